package commands

import (
	"fmt"

	"git.home.luguber.info/inful/pageforge/internal/config"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force bool `help:"Overwrite existing configuration file"`
}

func (i *InitCmd) Run(_ *Global, root *CLI) error {
	if err := config.Init(root.Config, i.Force); err != nil {
		return err
	}
	fmt.Printf("Created configuration file: %s\n", root.Config)
	fmt.Println("Edit it, export the referenced environment variables, then run 'pageforge serve'.")
	return nil
}
