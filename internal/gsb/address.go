package gsb

import "strings"

// Address parses the slash-delimited addressing scheme carried on the wire
// (spec §6): "/net/{node_id}/...", "/public/...", and
// "/from/{src}/to/{dst}/..." for multi-identity egress.
type Address struct {
	Raw         string
	Remote      bool   // true for "/net/{node_id}/..."
	RemoteNode  string // populated when Remote
	Public      bool   // true for "/public/..."
	FromTo      bool   // true for "/from/{src}/to/{dst}/..."
	From        string
	To          string
	Path        string // the remainder after any routing prefix is stripped
}

// ParseAddress classifies a raw GSB address per spec §6.
func ParseAddress(raw string) Address {
	a := Address{Raw: raw, Path: raw}
	parts := splitNonEmpty(raw)
	switch {
	case len(parts) >= 2 && parts[0] == "net":
		a.Remote = true
		a.RemoteNode = parts[1]
		a.Path = "/" + strings.Join(parts[2:], "/")
	case len(parts) >= 1 && parts[0] == "public":
		a.Public = true
		a.Path = "/" + strings.Join(parts[1:], "/")
	case len(parts) >= 4 && parts[0] == "from" && parts[2] == "to":
		a.FromTo = true
		a.From = parts[1]
		a.To = parts[3]
		a.Path = "/" + strings.Join(parts[4:], "/")
	}
	return a
}

func splitNonEmpty(raw string) []string {
	fields := strings.Split(raw, "/")
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// NetAddress builds the canonical remote egress address for nodeID and path.
func NetAddress(nodeID, path string) string {
	path = strings.TrimPrefix(path, "/")
	return "/net/" + nodeID + "/" + path
}

// PublicAddress builds a locally exported endpoint address.
func PublicAddress(path string) string {
	path = strings.TrimPrefix(path, "/")
	return "/public/" + path
}

// PrivateAddress builds the legacy "/private/..." form of a locally exported
// endpoint. spec §9 records an unresolved ambiguity ("remove /private from
// /net calls") between this and the canonical /net address; both routes are
// kept bound to the same handler until the ambiguity is resolved upstream.
func PrivateAddress(path string) string {
	path = strings.TrimPrefix(path, "/")
	return "/private/" + path
}
