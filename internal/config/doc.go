// Package config provides centralized configuration for the licensing server and client.
//
// # Configuration Sources
//
// Configuration is assembled from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. A YAML file named by LICENSING_CONFIG, or licensing.yaml / configs/licensing.yaml
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern LICENSING_<SECTION>_<FIELD>:
//
//	LICENSING_SERVER_PORT=8080
//	LICENSING_STORE_DRIVER=postgres
//	LICENSING_STORE_POSTGRES_DSN=postgres://...
//	LICENSING_SIGNING_SECRET=...
//	LICENSING_SECURITY_API_KEYS=key-one,key-two
//	LICENSING_CLIENT_GRACE_WINDOW=168h
//
// # Usage
//
// There is no package-level configuration state. Load once in main and pass the
// relevant section to each constructor:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	codec, err := licensekey.NewCodec(cfg.Signing)
package config
