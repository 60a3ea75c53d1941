// Package version provides the identification peers see in handshakes.
package version

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
)

var (
	// Sent as "v" in the extended handshake.
	DefaultExtendedHandshakeClientVersion string
	// Leads generated peer IDs. Bump it when behaviour peers could care about changes.
	DefaultBep20Prefix = GenerateFingerprint("UM", 0, 1, 0, 0)
)

func init() {
	type marker struct{}
	thisPkg := reflect.TypeOf(marker{}).PkgPath()
	var (
		mainPath      = "unknown"
		moduleVersion = "unknown"
	)
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		mainPath = buildInfo.Main.Path
		thisModule := ""
		// A main module that is this module reports "(devel)".
		for _, dep := range append(buildInfo.Deps, &buildInfo.Main) {
			if strings.HasPrefix(thisPkg, dep.Path) && len(dep.Path) >= len(thisModule) {
				thisModule = dep.Path
				moduleVersion = dep.Version
			}
		}
	}
	DefaultExtendedHandshakeClientVersion = fmt.Sprintf("%v (anacrolix/utmetadata %v)", mainPath, moduleVersion)
}
