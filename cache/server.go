package cache

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

// Server identifies one remote key-value engine instance.
type Server struct {
	Name     string
	Host     string
	Port     int
	Password string
	Database int

	// Timeout bounds dialing and every read/write. Zero keeps the client
	// defaults.
	Timeout time.Duration
}

// Addr returns host:port.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ServerResolver resolves a server endpoint by name.
type ServerResolver interface {
	Server(name string) (Server, bool)
}

// Servers is a static, name-keyed ServerResolver.
type Servers map[string]Server

// NewServers indexes list by Server.Name.
func NewServers(list ...Server) Servers {
	s := make(Servers, len(list))
	for _, srv := range list {
		s[srv.Name] = srv
	}
	return s
}

// Server implements ServerResolver.
func (s Servers) Server(name string) (Server, bool) {
	srv, ok := s[name]
	return srv, ok
}

// redisURI builds the connection URI for srv, carrying the timeout and pool
// settings as query parameters understood by redis.ParseURL.
func redisURI(srv Server, poolSize, minIdle int) string {
	u := url.URL{
		Scheme: "redis",
		Host:   srv.Addr(),
		Path:   "/" + strconv.Itoa(srv.Database),
	}
	if srv.Password != "" {
		u.User = url.UserPassword("", srv.Password)
	}

	q := url.Values{}
	if srv.Timeout > 0 {
		d := srv.Timeout.String()
		q.Set("dial_timeout", d)
		q.Set("read_timeout", d)
		q.Set("write_timeout", d)
	}
	if poolSize > 0 {
		q.Set("pool_size", strconv.Itoa(poolSize))
	}
	if minIdle > 0 {
		q.Set("min_idle_conns", strconv.Itoa(minIdle))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
