// Package pqtunnel builds encrypted multi-hop tunnels keyed with
// post-quantum key exchange.
//
// A tunnel runs through one or more relays. The client performs a separate
// handshake with every hop, nested inside the channel to the previous hop,
// so each relay only removes its own layer. The default key exchange is the
// cascaded hybrid CH-KEM (X25519 + ML-KEM-1024 combined with SHAKE-256);
// ML-KEM-768, ML-KEM-1024 and X-Wing are also registered.
//
// # Quick Start
//
//	guard := leakguard.New()
//	m := tunnel.NewManager(
//		tunnel.WithComposer(path.NewComposer(directory)),
//		tunnel.WithDialer(&transport.TCPDialer{}),
//		tunnel.WithGuard(guard),
//	)
//
//	id, _ := m.CreateTunnel(tunnel.DefaultConfig("example.org:80"))
//	_ = m.Connect(ctx, id)
//	t, _ := m.Tunnel(id)
//	_ = t.Send(ctx, []byte("GET / HTTP/1.0\r\n\r\n"))
//	reply, _ := t.Receive(ctx)
//
// # Package Structure
//
//   - pkg/kex: key exchange primitives, registry and per-hop key material
//   - pkg/crypto: SHAKE-256 KDF, record AEAD, secure random, self-tests
//   - pkg/protocol: wire format for handshakes, records and control messages
//   - pkg/transport: byte-stream contract with TCP and in-memory implementations
//   - pkg/channel: per-hop handshake, encrypted records, in-band rekey
//   - pkg/path: relay directory, hop policy and selection strategies
//   - pkg/leakguard: armed-tunnel set and kill switch
//   - pkg/tunnel: tunnel lifecycle manager and data path
//   - pkg/relay: the relay server
//   - pkg/reconnect: replaces failed tunnels with backoff
//   - pkg/host: panel descriptor, settings and status stream for host apps
//   - pkg/config: YAML and environment configuration
//   - pkg/metrics: logging, Prometheus metrics, tracing and health
//   - cmd/pqtunnel: the command line tool
//
// # Security Properties
//
//   - Post-quantum security: ML-KEM-1024 (NIST Category 5)
//   - Hybrid guarantee: CH-KEM is secure if either X25519 or ML-KEM is
//   - Forward secrecy: ephemeral keys per hop and per rekey epoch
//   - Authenticated records: AES-256-GCM or ChaCha20-Poly1305
//   - Replay protection: strictly increasing sequence numbers per direction
//   - Leak protection: only established tunnels carry traffic
//
// # Testing
//
//	go test ./...
//	go test -fuzz=FuzzDecodeRecord ./pkg/protocol
//	go test -tags fips ./pkg/crypto ./pkg/protocol
//	pqtunnel bench --handshakes 100 --hops 3
package pqtunnel
