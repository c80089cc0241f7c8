package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は失効リストのクリーンアップワーカーとして起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandCreateAdmin はADMIN_EMAIL/ADMIN_PASSWORDから管理者アカウントを作成することを示す。
	CommandCreateAdmin Command = "create-admin"
)

// commands はサポートするサブコマンドの一覧。
var commands = []Command{
	CommandServe,
	CommandWorker,
	CommandMigrate,
	CommandHealthcheck,
	CommandCreateAdmin,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	for _, c := range commands {
		if Command(args[0]) == c {
			return c
		}
	}
	return CommandServe
}
