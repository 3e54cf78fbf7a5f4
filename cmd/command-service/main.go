package main

import (
	"github.com/ramiqadoumi/go-task-cqrs/internal/cli"
	svccli "github.com/ramiqadoumi/go-task-cqrs/services/command/cli"
)

func main() {
	cli.Execute(svccli.NewRootCmd())
}
