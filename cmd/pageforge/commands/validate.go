package commands

import (
	"fmt"

	"git.home.luguber.info/inful/pageforge/internal/config"
)

// ValidateCmd implements the 'validate' command: load the config file,
// run the daemon-mode checks, report problems without starting anything.
type ValidateCmd struct{}

func (v *ValidateCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	if err := config.ValidateDaemon(cfg); err != nil {
		return err
	}
	fmt.Printf("Configuration OK: %s\n", root.Config)
	return nil
}
