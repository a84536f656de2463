package config

import (
	"os"

	"gopkg.in/ini.v1"

	"multisocks/internal/shared/types"
)

// LoadIni layers an optional tunables file on top of cfg's existing
// (already-defaulted) values. A missing file is not an error.
func LoadIni(cfg *types.Config, fileName string) error {
	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		return nil
	}
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return iniFile.MapTo(cfg)
}
