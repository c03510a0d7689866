package domain

// ConnectivityState is a snapshot from the connectivity probe.
type ConnectivityState struct {
	Connected bool   `json:"connected"`
	Reachable bool   `json:"reachable"`
	Transport string `json:"transport"`
}

// Online reports whether requests should be attempted right now.
func (s ConnectivityState) Online() bool {
	return s.Connected
}
