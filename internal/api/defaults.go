package api

import "time"

// Defaults shared across packages. Runtime knobs in internal/config may
// override most of these through environment variables.
const (
	// DefaultSelfPrefix namespaces the aggregator's own admin tools.
	DefaultSelfPrefix = "magg"

	// DefaultSeparator joins prefix and local capability names. Forbidden
	// inside prefixes.
	DefaultSeparator = "_"

	// CatalogFileName is the serialized server catalog inside the config dir.
	CatalogFileName = "config.json"

	// SettingsFileName holds aggregator process settings (host, port, log level).
	SettingsFileName = "settings.yaml"

	// PrivateKeyFileName is the RSA signing key inside the config dir.
	PrivateKeyFileName = "magg.key"

	// KitDirName is the subdirectory holding kit bundle files.
	KitDirName = "kits"

	// HealthProbeTimeout bounds a single health probe round-trip.
	HealthProbeTimeout = 500 * time.Millisecond

	// CoalesceWindow bounds list-change notification bursts: at most one
	// outbound notification per kind per client session inside one window.
	CoalesceWindow = 50 * time.Millisecond

	// ReloadDebounce collapses rapid catalog-change events into one reload.
	ReloadDebounce = 150 * time.Millisecond

	// ResourceScheme is the URI scheme for the aggregator's own resources.
	ResourceScheme = "magg"
)
