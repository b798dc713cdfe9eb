package config

const (
	defaultConfigPath        = "~/.config/tomato/settings.toml"
	defaultAppDir            = "~/.local/share/tomato"
	defaultLogDir            = "~/.local/share/tomato/logs"
	defaultJobsDir           = "~/.local/share/tomato/jobs"
	defaultDevicesFile       = "~/.config/tomato/devices.yml"
	defaultPort              = 1234
	defaultPollInterval      = 1.0
	defaultStateInterval     = 10
	defaultDriverTimeout     = 5
	defaultDataPollInterval  = 1.0
	defaultSnapshotPrefix    = "snapshot"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultLogRetentionDays  = 30
	defaultMaintenanceCron   = "@daily"
	defaultHotplugSubsystems = "tty,usb"
	defaultNotifyTimeout     = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			AppDir:      defaultAppDir,
			LogDir:      defaultLogDir,
			JobsDir:     defaultJobsDir,
			DevicesFile: defaultDevicesFile,
		},
		Daemon: Daemon{
			Port:          defaultPort,
			PollInterval:  defaultPollInterval,
			StateInterval: defaultStateInterval,
			DriverTimeout: defaultDriverTimeout,
		},
		Jobs: Jobs{
			DataPollInterval: defaultDataPollInterval,
			SnapshotPrefix:   defaultSnapshotPrefix,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Maintenance: Maintenance{
			Schedule: defaultMaintenanceCron,
		},
		Hotplug: Hotplug{
			Subsystems: []string{"tty", "usb"},
		},
		Notify: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
		Drivers: map[string]map[string]any{},
	}
}
