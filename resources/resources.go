package resources

import "embed"

//go:embed migrations/*.sql patterns.yml
var FS embed.FS
