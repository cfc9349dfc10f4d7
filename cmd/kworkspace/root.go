package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// EnvAPIURL overrides the API endpoint, below the --api flag in
// precedence.
const EnvAPIURL = "KUBE_WORKSPACE_API"

// defaultKeyNames are tried in order under ~/.ssh when no key path is
// configured.
var defaultKeyNames = []string{"id_ed25519.pub", "id_rsa.pub", "id_ecdsa.pub"}

type rootFlags struct {
	apiURL     string
	sshKeyPath string
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "kworkspace",
		Short:         "Manage your personal Kubernetes workspace",
		Long: "kworkspace talks to the kube-workspace operator to start, stop\n" +
			"and connect to your personal SSH-accessible workspace pod.\n" +
			"You are identified by your SSH public key; no account setup is needed\n" +
			"beyond being whitelisted by the cluster admin.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&flags.apiURL, "api", "",
		"Operator API URL, like https://workspaces.example.com. Falls back to "+
			EnvAPIURL+" and the config file.")
	cmd.PersistentFlags().StringVar(&flags.sshKeyPath, "ssh-key-path", "",
		"Path of the SSH public key to authenticate with. Defaults to the "+
			"first key found under ~/.ssh.")
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "",
		"Client config file path. Defaults to "+
			filepath.Join("$XDG_CONFIG_HOME", "kube-workspace", "config.json")+".")

	cmd.AddCommand(
		newStartCmd(flags),
		newStopCmd(flags),
		newStatusCmd(flags),
		newConnectCmd(flags),
	)
	return cmd
}

// newAPIClient resolves settings (flags beat environment beats config
// file), loads the public key and builds the HTTP client.
func (f *rootFlags) newAPIClient() (*Client, error) {
	fileCfg, err := loadClientConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	apiURL := f.apiURL
	if apiURL == "" {
		apiURL = os.Getenv(EnvAPIURL)
	}
	if apiURL == "" {
		apiURL = fileCfg.APIURL
	}
	if apiURL == "" {
		return nil, fmt.Errorf("no API URL configured: set --api, %s or the config file", EnvAPIURL)
	}

	keyPath := f.sshKeyPath
	if keyPath == "" {
		keyPath = fileCfg.SSHKeyPath
	}
	key, err := loadPublicKey(keyPath)
	if err != nil {
		return nil, err
	}
	return NewClient(apiURL, key), nil
}

// loadPublicKey reads the key file, or searches ~/.ssh for a default one
// when no path is given.
func loadPublicKey(path string) (string, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("could not read SSH public key: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not locate home directory: %w", err)
	}
	for _, name := range defaultKeyNames {
		candidate := filepath.Join(home, ".ssh", name)
		raw, err := os.ReadFile(candidate)
		if err == nil {
			return strings.TrimSpace(string(raw)), nil
		}
	}
	return "", fmt.Errorf("no SSH public key found under %s: use --ssh-key-path",
		filepath.Join(home, ".ssh"))
}
