package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	// 収集ジョブキューとジョブ完了時の探索もこのプロセスで動作する。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	// マーケット同期・クリーンアップ・定期探索を実行する。
	CommandWorker Command = "worker"
	// CommandDiscover は探索パスを1回実行して終了することを示す。
	CommandDiscover Command = "discover"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "discover":
		return CommandDiscover
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
