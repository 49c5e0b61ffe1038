package watermark

import "fmt"

// Endpoint is the stable network identity of a cluster node: a host/port
// pair. It is immutable and comparable, so it can be used as a map key and
// compared with ==.
type Endpoint struct {
	Host string
	Port int
}

// String renders the endpoint in host:port form.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Zero reports whether e is the Endpoint zero value.
func (e Endpoint) Zero() bool {
	return e.Host == "" && e.Port == 0
}
