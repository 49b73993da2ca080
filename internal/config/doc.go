/*
Package config loads the bucketfs configuration.

Sources are applied in order of increasing precedence:

	compiled-in defaults   NewDefault()
	YAML file              (*Configuration).LoadFromFile
	environment            (*Configuration).LoadFromEnv, BUCKETFS_* variables
	command-line flags     applied by cmd/bucketfs

Byte sizes are written as strings ("50MiB", "5 MB") and converted when the
engine and cache settings are derived:

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	opts, _ := cfg.EngineOptions()

Validate checks struct tags first and then the rules that span sections,
such as a cache large enough to hold one transfer buffer. Only the block of
the selected storage backend has to be complete.
*/
package config
