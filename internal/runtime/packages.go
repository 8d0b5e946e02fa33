package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"aindrocode/internal/shell"
)

// ErrUnknownPackageManager is returned for package managers outside the
// supported set.
var ErrUnknownPackageManager = errors.New("unknown package manager")

var packageManagers = map[string]string{
	"npm":   "npm install",
	"pip":   "pip install",
	"apt":   "apt-get update && apt-get install -y",
	"cargo": "cargo install",
}

// InstallCommand builds the shell line that installs packages with manager.
func InstallCommand(manager string, packages []string) (string, error) {
	base, ok := packageManagers[strings.ToLower(strings.TrimSpace(manager))]
	if !ok {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnknownPackageManager, manager, strings.Join(PackageManagers(), ", "))
	}
	if len(packages) == 0 {
		return "", errors.New("no packages to install")
	}
	return base + " " + shell.Join(packages...), nil
}

// PackageManagers returns the supported package manager names, sorted.
func PackageManagers() []string {
	names := make([]string, 0, len(packageManagers))
	for name := range packageManagers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
