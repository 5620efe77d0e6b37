package artifacts

import _ "embed"

// Global artifacts

// GlobalSettings seeds settings.yaml in the config directory and supplies
// the defaults of every mount.
//
//go:embed global/settings.yaml
var GlobalSettings []byte
