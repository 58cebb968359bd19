package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/settings"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/ui"
)

const defaultConfigFile = "omsync.yaml"

var configureCmd = &cobra.Command{
	Use:     "configure",
	GroupID: "setup",
	Short:   "Write the node config interactively",
	Long: `Ask for the node role, central address and site credentials, then write
them to the config file (--config, default ./omsync.yaml).

The password is stored as its SHA-256 hash. Needs a terminal; otherwise
edit the file or set OMSYNC_ variables.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(_ *cobra.Command, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("configure needs an interactive terminal")
	}
	s, err := loadSettings()
	if err != nil {
		return err
	}

	var password string
	port := strconv.Itoa(s.Server.Port)
	isRemote := func() bool { return s.Node.Role != settings.RoleCentral }

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[settings.Role]().
				Title("Node role").
				Options(
					huh.NewOption("Remote site", settings.RoleRemote),
					huh.NewOption("Central server", settings.RoleCentral),
				).
				Value(&s.Node.Role),
			huh.NewInput().
				Title("HTTP port").
				Value(&port).
				Validate(validatePort),
			huh.NewInput().
				Title("Database file").
				Value(&s.Database.Path),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Central server URL").
				Placeholder("http://central:8000").
				Value(&s.Sync.URL).
				Validate(validateURL),
			huh.NewInput().
				Title("Site username").
				Value(&s.Sync.Username),
			huh.NewInput().
				Title("Site password").
				Description("Leave empty to keep the stored password").
				EchoMode(huh.EchoModePassword).
				Value(&password),
			huh.NewInput().
				Title("Hardware id").
				Value(&s.Node.HardwareID),
		).WithHideFunc(func() bool { return !isRemote() }),
	)
	if err := form.Run(); err != nil {
		return err
	}

	s.Server.Port, _ = strconv.Atoi(port)
	if password != "" {
		s.Sync.PasswordSHA256 = hashPassword(password)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	path := configPath
	if path == "" {
		path = defaultConfigFile
	}
	if err := settings.Write(path, s); err != nil {
		return err
	}
	fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	return nil
}

// hashPassword is the hex SHA-256 sites authenticate with.
func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func validatePort(s string) error {
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

func validateURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("enter an http or https URL")
	}
	return nil
}
