package tracker

import (
	"os"
	"strings"

	"golang.org/x/text/language"
)

// localeEnvVars are consulted in POSIX precedence order.
var localeEnvVars = []string{"LC_ALL", "LC_MESSAGES", "LANG"}

// DetectLocale returns the host locale as a BCP 47 language tag, falling
// back to "en" when the environment gives nothing parseable. Values like
// "en_US.UTF-8" are normalized before parsing.
func DetectLocale() string {
	for _, name := range localeEnvVars {
		value := os.Getenv(name)
		if value == "" || value == "C" || value == "POSIX" {
			continue
		}
		if encoding := strings.IndexByte(value, '.'); encoding >= 0 {
			value = value[:encoding]
		}
		value = strings.ReplaceAll(value, "_", "-")
		tag, err := language.Parse(value)
		if err != nil {
			continue
		}
		return tag.String()
	}
	return language.English.String()
}
