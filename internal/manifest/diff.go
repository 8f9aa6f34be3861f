package manifest

import "strings"

// Diff returns the remote entries that need downloading: those whose path is not in
// the manifest or whose recorded hash differs from the remote hash. The remote hash
// is authoritative; the local file is never consulted.
func Diff(m *Manifest, remote []RemoteEntry) []RemoteEntry {
	var need []RemoteEntry
	for _, r := range remote {
		local, ok := m.Files[r.Path]
		if !ok || local == nil || !strings.EqualFold(local.SHA1, r.SHA) {
			need = append(need, r)
		}
	}
	return need
}
