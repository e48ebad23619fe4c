package server

import (
	"log"
	"net"
	"net/url"

	"github.com/aircast/aircast/internal/config"
	"github.com/aircast/aircast/internal/relay"
	"github.com/aircast/aircast/internal/safeurl"
	"github.com/aircast/aircast/internal/sources"
)

type relayKey struct {
	url  string
	path string
	addr string // resolved address for net_resolve_all relays, else ""
}

func keyFor(r *relay.Relay) relayKey {
	key := relayKey{url: r.URL(), path: r.Path()}
	if r.AddrInfo() != nil {
		key.addr = r.AddrInfo().String()
	}
	return key
}

// relayIndex covers active relays plus those waiting in the restart queue.
func (s *Server) relayIndex() map[relayKey]*relay.Relay {
	index := make(map[relayKey]*relay.Relay, len(s.relays))
	for r := range s.relays {
		index[keyFor(r)] = r
	}
	return index
}

// ConfigureRelays starts a relay for every configured source URL that does
// not have one yet.
func (s *Server) ConfigureRelays() error {
	index := s.relayIndex()
	for i := range s.cfg.Mounts {
		mount := &s.cfg.Mounts[i]
		if len(mount.SourceURLs) == 0 {
			continue
		}
		opts := relay.Options{
			BurstSize: s.cfg.EffectiveBurstSize(mount),
			OnDemand:  s.cfg.EffectiveOnDemand(mount),
			Keepalive: s.cfg.EffectiveKeepalive(mount),
		}
		for _, sourceURL := range mount.SourceURLs {
			parsed, err := url.Parse(sourceURL)
			if err != nil {
				log.Printf("server: skipping source url %s: %v", safeurl.Redact(sourceURL), err)
				continue
			}
			isUDP := parsed.Scheme == "udp" || parsed.Scheme == "multicast"
			if !isUDP && s.cfg.EffectiveNetResolveAll(mount) {
				s.addResolvedRelays(index, sourceURL, parsed, mount, opts)
				continue
			}
			if _, ok := index[relayKey{url: sourceURL, path: mount.Path}]; ok {
				continue
			}
			log.Printf("server: trying to relay %s", safeurl.Redact(sourceURL))
			if err := s.AddRelay(sourceURL, mount.Path, nil, opts); err != nil {
				log.Printf("server: %v", err)
			}
		}
	}
	return nil
}

// addResolvedRelays starts one relay per resolved address of the upstream
// host, so every server behind a DNS round-robin is pulled from.
func (s *Server) addResolvedRelays(index map[relayKey]*relay.Relay, sourceURL string, parsed *url.URL, mount *config.Mount, opts relay.Options) {
	port, err := net.LookupPort("tcp", parsed.Port())
	if err != nil {
		log.Printf("server: skipping source url %s: bad port: %v", safeurl.Redact(sourceURL), err)
		return
	}
	ips, err := net.LookupIP(parsed.Hostname())
	if err != nil {
		log.Printf("server: resolving %s: %v", parsed.Hostname(), err)
		return
	}
	for _, ip := range ips {
		addr := &net.TCPAddr{IP: ip, Port: port}
		if _, ok := index[relayKey{url: sourceURL, path: mount.Path, addr: addr.String()}]; ok {
			continue
		}
		log.Printf("server: trying to relay %s from %s", safeurl.Redact(sourceURL), addr)
		if err := s.AddRelay(sourceURL, mount.Path, addr, opts); err != nil {
			log.Printf("server: %v", err)
		}
	}
}

// Reconfigure applies a new configuration document: handlers are rebuilt
// through their factory registries, removed relays (and their sources) are
// closed, surviving relays get their tuning updated in place, and new
// relays are started. Reloading an identical document is a no-op for the
// live source and client set.
func (s *Server) Reconfigure(cfg *config.Config) error {
	if err := s.configure(cfg); err != nil {
		return err
	}

	// Which (url, path) pairs does the new document want?
	wanted := make(map[relayKey]*config.Mount)
	for i := range cfg.Mounts {
		mount := &cfg.Mounts[i]
		for _, sourceURL := range mount.SourceURLs {
			wanted[relayKey{url: sourceURL, path: mount.Path}] = mount
		}
	}

	// Sources fed by a relay, for in-place updates and removals.
	sourceByRelay := make(map[sources.Relay]sources.Source)
	for _, srcMap := range s.mounts {
		for src := range srcMap {
			if r := src.RelayRef(); r != nil {
				sourceByRelay[r] = src
			}
		}
	}

	for r := range s.relays {
		mount, keep := wanted[relayKey{url: r.URL(), path: r.Path()}]
		if keep {
			burst := cfg.EffectiveBurstSize(mount)
			keepalive := cfg.EffectiveKeepalive(mount)
			r.SetBurstSize(burst)
			r.SetKeepalive(keepalive)
			if src, ok := sourceByRelay[r]; ok {
				src.UpdateBurstSize(burst)
				src.SetKeepalive(keepalive)
			}
			continue
		}
		// Dropped from the configuration: close source and relay without
		// queueing a restart.
		delete(s.relays, r)
		if src, ok := sourceByRelay[r]; ok {
			log.Printf("server: dropping source %s removed from configuration", src)
			src.Close()
		} else {
			log.Printf("server: dropping %s removed from configuration", r)
			r.Drop()
		}
	}

	// Forget queued restarts for removed relays.
	remaining := s.relaysToRestart[:0]
	for _, entry := range s.relaysToRestart {
		if _, keep := wanted[relayKey{url: entry.r.URL(), path: entry.r.Path()}]; keep {
			remaining = append(remaining, entry)
		}
	}
	s.relaysToRestart = remaining

	return s.ConfigureRelays()
}
