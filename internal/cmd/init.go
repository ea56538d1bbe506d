package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/GiselleSerate/pure19prototype/internal/config"
)

// Init runs the interactive init wizard.
func Init(args []string) error {
	dir := "."
	reinit := false
	for _, a := range args {
		if a == "--reinit" || a == "-r" {
			reinit = true
		} else {
			dir = a
		}
	}

	projectDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	pureDir := filepath.Join(projectDir, ".pure")
	configPath := filepath.Join(pureDir, "config.yaml")

	if _, err := os.Stat(configPath); err == nil && !reinit {
		fmt.Println("A .pure/config.yaml already exists. Run with --reinit to overwrite.")
		return nil
	}

	fmt.Println("Welcome to pure init. Let's describe the host to replicate.")
	fmt.Println()

	// --- Step 1: Source host ---
	var hostname, username, keyfile string
	port := "22"

	home, _ := os.UserHomeDir()
	defaultKey := filepath.Join(home, ".ssh", "id_rsa")

	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Source hostname").
				Description("The VM to replicate, reachable over SSH.").
				Value(&hostname).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("hostname cannot be empty")
					}
					return nil
				}),
			huh.NewInput().
				Title("SSH port").
				Value(&port).
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("must be a number")
					}
					return nil
				}),
			huh.NewInput().
				Title("SSH username").
				Value(&username).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("username cannot be empty")
					}
					return nil
				}),
			huh.NewInput().
				Title("SSH private key file").
				Placeholder(defaultKey).
				Value(&keyfile),
		),
	).Run(); err != nil {
		return err
	}
	if keyfile == "" {
		keyfile = defaultKey
	}

	// --- Step 2: Container engine ---
	var socket, baseImage string

	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Container engine socket").
				Placeholder("/var/run/docker.sock").
				Value(&socket),
			huh.NewInput().
				Title("Base image override").
				Description("Leave empty to derive from the detected OS, e.g. centos:7.").
				Value(&baseImage),
		),
	).Run(); err != nil {
		return err
	}
	if socket == "" {
		socket = "/var/run/docker.sock"
	}

	// --- Step 3: Analysis scope ---
	var customRoots bool
	if err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Customize which filesystem roots are compared?").
			Description("No = compare the standard system roots").
			Value(&customRoots),
	)).Run(); err != nil {
		return err
	}

	allowlist := config.DefaultAllowlist
	if customRoots {
		var picked []string
		options := make([]huh.Option[string], 0, len(config.DefaultAllowlist))
		for _, root := range config.DefaultAllowlist {
			options = append(options, huh.NewOption(root, root))
		}
		if err := huh.NewForm(huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Roots to compare").
				Options(options...).
				Value(&picked),
		)).Run(); err != nil {
			return err
		}
		if len(picked) > 0 {
			allowlist = picked
		}
	}

	// --- Step 4: Output ---
	var fileList bool
	if err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Write a per-file classification log?").
			Description("Lists every differing file next to the summary report.").
			Value(&fileList),
	)).Run(); err != nil {
		return err
	}

	// --- Generate files ---
	if err := os.MkdirAll(pureDir, 0755); err != nil {
		return fmt.Errorf("creating .pure/: %w", err)
	}

	cfg := buildConfigYAML(hostname, port, username, keyfile, socket, baseImage, allowlist, fileList)
	if err := os.WriteFile(configPath, []byte(cfg), 0644); err != nil {
		return err
	}
	fmt.Println("Created .pure/config.yaml")

	fmt.Println()
	fmt.Println("Done! Next steps:")
	fmt.Println("  1. Make sure the key authenticates against the source host")
	fmt.Println("  2. Run: pure replicate")

	return nil
}

func buildConfigYAML(hostname, port, username, keyfile, socket, baseImage string, allowlist []string, fileList bool) string {
	var sb strings.Builder

	sb.WriteString("source:\n")
	sb.WriteString("  hostname: " + hostname + "\n")
	sb.WriteString("  port: " + port + "\n")
	sb.WriteString("  username: " + username + "\n")
	sb.WriteString("  keyfile: " + keyfile + "\n")
	sb.WriteString("  # deadline: 5m\n")
	sb.WriteString("\n")

	sb.WriteString("engine:\n")
	sb.WriteString("  socket: " + socket + "\n")
	if baseImage != "" {
		sb.WriteString("  base_image: " + baseImage + "\n")
	} else {
		sb.WriteString("  # base_image: centos:7  # override the OS-derived default\n")
	}
	sb.WriteString("  # loose_versions: true  # drop base-image defaults on name match alone\n")
	sb.WriteString("\n")

	sb.WriteString("analyze:\n")
	sb.WriteString("  allowlist:\n")
	for _, root := range allowlist {
		sb.WriteString("    - " + root + "\n")
	}
	sb.WriteString("  blocklist:\n")
	for _, entry := range config.DefaultBlocklist {
		sb.WriteString("    - \"" + entry + "\"\n")
	}
	sb.WriteString("\n")

	sb.WriteString("output:\n")
	sb.WriteString("  report: replication-report.yaml\n")
	sb.WriteString("  manifest: Dockerfile.replica\n")
	sb.WriteString("\n")

	sb.WriteString("log:\n")
	sb.WriteString("  level: info\n")
	if fileList {
		sb.WriteString("  file_list: replication-files.log\n")
	} else {
		sb.WriteString("  # file_list: replication-files.log\n")
	}

	return sb.String()
}
