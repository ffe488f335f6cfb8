package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage persistent settings",
	Long: `Manage persistent settings stored in ~/.netsatbench/config.yaml.

Settings provide defaults for the root flags:
  - spec_dir:        Used when -S is not specified
  - store_endpoint:  Used when -e is not specified
  - store_user / store_password / store_ca_cert

Examples:
  nsbctl settings show
  nsbctl settings set spec_dir /etc/netsatbench
  nsbctl settings set store_endpoint 10.0.0.5:6379
  nsbctl settings clear`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		fmt.Printf("Settings file: %s\n\n", settings.DefaultSettingsPath())

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SETTING\tVALUE")
		fmt.Fprintln(w, "-------\t-----")

		printSetting := func(name, value string) {
			if value == "" {
				value = "(not set)"
			}
			fmt.Fprintf(w, "%s\t%s\n", name, value)
		}

		printSetting("spec_dir", s.SpecDir)
		printSetting("store_endpoint", s.StoreEndpoint)
		printSetting("store_user", s.StoreUser)
		printSetting("store_ca_cert", s.StoreCACert)
		printSetting("audit_log_path", s.AuditLogPath)
		if s.AuditMaxSizeMB > 0 {
			printSetting("audit_max_size_mb", strconv.Itoa(s.AuditMaxSizeMB))
		} else {
			printSetting("audit_max_size_mb", "")
		}
		if s.AuditMaxBackups > 0 {
			printSetting("audit_max_backups", strconv.Itoa(s.AuditMaxBackups))
		} else {
			printSetting("audit_max_backups", "")
		}

		w.Flush()
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <setting> <value>",
	Short: "Set a setting value",
	Long: `Set a persistent setting value.

Available settings:
  spec_dir          - Specification directory (-S flag default)
  store_endpoint     - Store address, host:port (-e flag default)
  store_user          - Store username
  store_password      - Store password
  store_ca_cert       - Store CA certificate path
  audit_log_path      - Audit log file path
  audit_max_size_mb   - Audit log rotation size in MB
  audit_max_backups   - Audit log rotation backup count

Examples:
  nsbctl settings set spec_dir /etc/netsatbench
  nsbctl settings set store_endpoint 10.0.0.5:6379`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		setting := args[0]
		value := args[1]

		s, err := settings.Load()
		if err != nil {
			s = &settings.Settings{}
		}

		switch setting {
		case "spec_dir", "specs":
			s.SpecDir = value
			fmt.Printf("Specification directory set to: %s\n", value)
		case "store_endpoint", "store":
			s.StoreEndpoint = value
			fmt.Printf("Store endpoint set to: %s\n", value)
		case "store_user":
			s.StoreUser = value
			fmt.Printf("Store user set to: %s\n", value)
		case "store_password":
			s.StorePassword = value
			fmt.Println("Store password set.")
		case "store_ca_cert":
			s.StoreCACert = value
			fmt.Printf("Store CA certificate path set to: %s\n", value)
		case "audit_log_path":
			s.AuditLogPath = value
			fmt.Printf("Audit log path set to: %s\n", value)
		case "audit_max_size_mb":
			n, err := strconv.Atoi(value)
			if err != nil {
				return usageErrorf("audit_max_size_mb must be an integer: %v", err)
			}
			s.AuditMaxSizeMB = n
			fmt.Printf("Audit max size set to: %d MB\n", n)
		case "audit_max_backups":
			n, err := strconv.Atoi(value)
			if err != nil {
				return usageErrorf("audit_max_backups must be an integer: %v", err)
			}
			s.AuditMaxBackups = n
			fmt.Printf("Audit max backups set to: %d\n", n)
		default:
			return usageErrorf("unknown setting: %s", setting)
		}

		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		return nil
	},
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <setting>",
	Short: "Get a setting value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		setting := args[0]

		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		var value string
		switch setting {
		case "spec_dir", "specs":
			value = s.SpecDir
		case "store_endpoint", "store":
			value = s.StoreEndpoint
		case "store_user":
			value = s.StoreUser
		case "store_ca_cert":
			value = s.StoreCACert
		case "audit_log_path":
			value = s.AuditLogPath
		case "audit_max_size_mb":
			if s.AuditMaxSizeMB > 0 {
				value = strconv.Itoa(s.AuditMaxSizeMB)
			}
		case "audit_max_backups":
			if s.AuditMaxBackups > 0 {
				value = strconv.Itoa(s.AuditMaxBackups)
			}
		default:
			return usageErrorf("unknown setting: %s", setting)
		}

		if value == "" {
			fmt.Println("(not set)")
		} else {
			fmt.Println(value)
		}
		return nil
	},
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := &settings.Settings{}
		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Println("All settings cleared.")
		return nil
	},
}

var settingsPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show settings file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(settings.DefaultSettingsPath())
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsClearCmd)
	settingsCmd.AddCommand(settingsPathCmd)
}
