/*
Package httpserver implements the HTTP server of a key server.

The server mounts handlers implementing RouteRegistrar next to the standard
health and diagnostic endpoints. Three handlers are provided:

 1. ClusterHandler - receives signed cluster messages from other key servers
 2. AdminHandler - starts share add and share remove sessions and reports
    their progress and the key server set
 3. BootstrapHandler - collects administrator seed shares on nodes started
    without a seed file

# Cluster API

	POST /cluster/v1/message

The body is a CBOR encoded cluster message and the X-Node-Signature header
carries the sender's signature over the body bound to the recipient id.
Messages from nodes outside the key server set are refused. Rejections are
answered with the plain text protocol error so that the sender can map them
back onto the error it represents; 5xx answers are retried by the sender.

# Admin API

	POST /api/v1/admin/share_add
	POST /api/v1/admin/share_remove
	GET  /api/v1/admin/sessions
	GET  /api/v1/admin/sessions/{kind}/{id}
	GET  /api/v1/server_set
	GET  /api/v1/node

Session requests carry the administrator's signatures over the ordered
hashes of the affected server sets, which every participant verifies.

# Bootstrap API

	GET  /api/v1/bootstrap/status
	POST /api/v1/bootstrap/share

The node reports not ready on /readyz until the seed is recovered.

# Health Endpoints

	GET /livez
	GET /readyz
	GET /drain
	GET /undrain

With pprof enabled the profiler is mounted under /debug. Prometheus metrics
are served on a separate listener.
*/
package httpserver
