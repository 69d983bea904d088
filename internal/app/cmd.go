package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	CommandServe   Command = "serve"
	CommandWorker  Command = "worker"
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// MigrateAction はmigrateサブコマンドの動作。
type MigrateAction string

const (
	MigrateUp      MigrateAction = "up"
	MigrateDown    MigrateAction = "down"
	MigrateVersion MigrateAction = "version"
)

// MigrateOptions はmigrateサブコマンドの引数。StepsはMigrateDownでのみ使う。
type MigrateOptions struct {
	Action MigrateAction
	Steps  int
}

// Invocation は解析済みのコマンドライン。
type Invocation struct {
	Command Command
	Migrate MigrateOptions
}

// ParseArgs はos.Args[1:]を解析する。引数なしはserveとして扱う。
//
//	serve | worker | healthcheck
//	migrate [up | down [N] | version]
func ParseArgs(args []string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{Command: CommandServe}, nil
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandHealthcheck:
		return Invocation{Command: cmd}, nil
	case CommandMigrate:
		opts, err := parseMigrateArgs(args[1:])
		if err != nil {
			return Invocation{}, err
		}
		return Invocation{Command: cmd, Migrate: opts}, nil
	default:
		return Invocation{}, fmt.Errorf("unknown command %q (want serve, worker, migrate or healthcheck)", args[0])
	}
}

func parseMigrateArgs(args []string) (MigrateOptions, error) {
	if len(args) == 0 {
		return MigrateOptions{Action: MigrateUp}, nil
	}

	action := MigrateAction(args[0])
	rest := args[1:]
	switch action {
	case MigrateUp, MigrateVersion:
		if len(rest) > 0 {
			return MigrateOptions{}, fmt.Errorf("migrate %s takes no arguments", action)
		}
		return MigrateOptions{Action: action}, nil
	case MigrateDown:
		steps := 1
		if len(rest) > 1 {
			return MigrateOptions{}, fmt.Errorf("migrate down takes at most one argument")
		}
		if len(rest) == 1 {
			n, err := strconv.Atoi(rest[0])
			if err != nil || n <= 0 {
				return MigrateOptions{}, fmt.Errorf("migrate down: steps must be a positive integer, got %q", rest[0])
			}
			steps = n
		}
		return MigrateOptions{Action: MigrateDown, Steps: steps}, nil
	default:
		return MigrateOptions{}, fmt.Errorf("unknown migrate action %q (want up, down or version)", args[0])
	}
}
