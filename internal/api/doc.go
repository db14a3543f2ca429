// Package api hosts HTTP handlers that front the video vault REST API: auth,
// video CRUD, the upload and byte-range streaming endpoints, and the small
// set of moderation/admin routes the data model implies.
//
// Handler carries every external collaborator (Document Store, Job Queue,
// Blob Store, Token Service, Realtime Hub) as an explicit field injected at
// construction time; the package does not reach for globals or singletons.
//
// Handler methods assume upstream middleware from internal/server has
// already enforced recovery, request logging, CORS, body-size limiting, and
// rate limiting. RequireAuth/OptionalAuth/RequireRole here provide the
// auth-and-tenancy and role guards described in spec.md 4.2-4.3; handlers
// additionally call loadTenantVideo/loadVisibleVideo for the per-resource
// tenant and visibility guards.
package api
