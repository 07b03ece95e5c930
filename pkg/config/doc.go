/*
Package config loads KAPP service configuration using viper.

Configuration is resolved from three layers, highest precedence first:

 1. A YAML config file passed to Load (optional)
 2. Environment variables prefixed KAPP_ (e.g. KAPP_REDIS_ADDR)
 3. Built-in defaults

# Recognized Settings

Scheduling: poll_frequency (2s), worker_count (1),
health_check_interval (60s).

Stage budgets: assigned_timeout (5m), publishing_timeout (15m),
wallet_timeout (30m). Load rejects configurations that break the
assigned < publishing < wallet ordering, since wallet reclamation must
never lag behind the asset holding it.

Backends: database_driver/database_dsn (sqlite3 default, postgres
supported), redis_addr, content_backend (fs, bolt or s3) with
content_dir / content_bucket / s3_region.

DKG: dkg_endpoint, blockchain.

# Usage

	cfg, err := config.Load("kapp.yaml")
	if err != nil {
		log.Fatal(err.Error())
	}
*/
package config
