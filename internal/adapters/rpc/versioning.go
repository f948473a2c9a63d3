package rpc

import "sort"

// API version 1 is the only one served. Requests without api_version get it.
const (
	apiVersion         = 1
	apiMinVersion      = 1
	codeVersionTooNew  = -32080
	codeVersionRetired = -32081
)

var methodCatalog = []string{
	"health_check", "rpc.version", "node.doctor",
	"identity.get", "identity.regenerate", "identity.import_phrase", "identity.export_phrase",
	"identity.backup", "identity.backups", "identity.export_backup",
	"identity.restore_backup", "identity.restore_blob",
	"registry.add", "registry.remove", "registry.list", "registry.get",
	"registry.methods", "registry.invalidate",
	"canister.call",
}

func validateRPCAPIVersion(v *int) *rpcError {
	switch {
	case v == nil:
		return nil
	case *v < apiMinVersion:
		return &rpcError{Code: codeVersionRetired, Message: "rpc api version is no longer supported"}
	case *v > apiVersion:
		return &rpcError{Code: codeVersionTooNew, Message: "rpc api version is newer than this gateway"}
	}
	return nil
}

type versionInfo struct {
	Current      int      `json:"current_version"`
	MinSupported int      `json:"min_supported_version"`
	Methods      []string `json:"methods"`
	Replayable   []string `json:"replayable_methods"`
}

func rpcVersionInfo() versionInfo {
	replayable := make([]string, 0, len(replayedMethods))
	for m := range replayedMethods {
		replayable = append(replayable, m)
	}
	sort.Strings(replayable)
	return versionInfo{
		Current:      apiVersion,
		MinSupported: apiMinVersion,
		Methods:      append([]string(nil), methodCatalog...),
		Replayable:   replayable,
	}
}
