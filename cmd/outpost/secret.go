package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/outpost/internal/keychain"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage sidecar secrets in the system keychain",
	Long: "Secrets are injected into the sidecar environment through sidecar.secrets in the config.\n" +
		"On macOS they live in the login Keychain; elsewhere they are not persisted.",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a secret",
	Long:  "Store a secret. If value is omitted, prompts on a terminal or reads stdin.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := keychain.NewSystemStore()
		key := args[0]

		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			v, err := readSecret()
			if err != nil {
				return err
			}
			value = v
		}
		if value == "" {
			return fmt.Errorf("empty secret for %q", key)
		}

		if err := store.Set(key, value); err != nil {
			return err
		}
		fmt.Printf("Secret %q stored\n", key)
		return nil
	},
}

func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("Enter secret value: ")
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

var secretGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := keychain.NewSystemStore().Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(val)
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List stored secret keys",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := keychain.NewSystemStore().List()
		if err != nil {
			return err
		}

		// Keys the current config refers to, by env name.
		used := map[string]string{}
		if cfg, err := loadConfig(); err == nil {
			for env, ref := range cfg.Sidecar.Secrets {
				used[ref.Keychain] = env
			}
		}
		if len(keys) == 0 && len(used) == 0 {
			fmt.Println("No secrets stored")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tENV\tSTORED")
		stored := map[string]bool{}
		for _, k := range keys {
			stored[k] = true
			fmt.Fprintf(w, "%s\t%s\tyes\n", k, used[k])
		}
		missing := make([]string, 0, len(used))
		for k := range used {
			if !stored[k] {
				missing = append(missing, k)
			}
		}
		sort.Strings(missing)
		for _, k := range missing {
			fmt.Fprintf(w, "%s\t%s\tmissing\n", k, used[k])
		}
		return w.Flush()
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Short:   "Remove a secret",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := keychain.NewSystemStore().Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Secret %q deleted\n", args[0])
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)
}
