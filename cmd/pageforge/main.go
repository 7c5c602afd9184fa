package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/pageforge/cmd/pageforge/commands"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
)

func main() {
	cli := &commands.CLI{}
	ctx := kong.Parse(cli,
		kong.Name("pageforge"),
		kong.Description("Autonomous website performance optimization engine."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&commands.Global{})
	if err == nil {
		return
	}

	adapter := pferrors.NewCLIErrorAdapter(cli.Verbose, nil)
	fmt.Fprintln(os.Stderr, adapter.FormatError(err))
	os.Exit(adapter.ExitCodeFor(err))
}
