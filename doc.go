// Package welfarekit provides role based access control and the application
// approval workflow of a regional welfare platform.
//
// Users hold roles through assignments scoped to regions of the location
// hierarchy (state > district > area > unit), to projects and schemes, or to
// their own records. Welfare applications climb the regional chain from the
// unit admin to the state admin, and every step is recorded in an append-only
// approval ledger.
//
// # Core Concepts
//
// Permission: a three part name "resource.action.scope", for example
// "applications.approve.regional". Scopes widen from own, assigned, regional
// to global. Permissions may imply or require others, conflict with others,
// and carry conditions: hour windows, weekdays, IP lists and rate limits.
//
// Role: a named set of permission patterns with a level. Level 0 is the most
// privileged; a user may only assign roles they outrank.
//
// Assignment: a user's role in a scope, valid for a time range, optionally
// pending approval, with per-assignment grants and restrictions.
//
// Application: a request for welfare support. Its status, current approval
// level and SLA status are derived from the approval ledger.
//
// # Basic Usage
//
//	registry := welfarekit.DefaultRegistry()
//
//	db, err := dbkit.New(dbkit.Config{URL: "postgres://..."})
//	store := welfarekit.NewBunStore(db)
//	if _, err := db.Migrate(ctx, store.Migrations()); err != nil {
//	    log.Fatal(err)
//	}
//
//	service, err := welfarekit.NewService(registry, store,
//	    welfarekit.WithLocations(store),
//	    welfarekit.WithLogger(logger),
//	)
//
//	// Assign a role; the actor comes from the context
//	ctx = welfarekit.WithActorID(ctx, adminID)
//	service.AssignRole(ctx, userID, welfarekit.RoleUnitAdmin, welfarekit.AssignRoleOptions{
//	    Scope: welfarekit.AssignmentScope{Regions: []string{"tirur"}},
//	})
//
//	// Decide access, conditions included
//	d := service.HasPermission(ctx, userID, "finances.manage.regional", welfarekit.AccessContextFrom(ctx))
//	if !d.Allowed() {
//	    return d.Err()
//	}
//
//	// Move an application along the chain
//	app, err := service.TransitionApplication(ctx, welfarekit.TransitionRequest{
//	    ApplicationID: appID,
//	    Action:        welfarekit.ActionApprove,
//	    RequestID:     requestID,
//	})
//
// # Middleware Usage
//
//	mw := welfarekit.NewMiddleware(service, welfarekit.WithTokenVerifier(verifier))
//	mux.Handle("GET /finances", mw.Authenticate(
//	    mw.RequirePermission("finances.read.regional")(financesHandler)))
//
// Denials answer 403, exhausted rate limits 429 with a Retry-After header.
//
// # Scope Filtering
//
// BuildScopeFilter returns the predicate a listing must apply. It fails
// closed: a user without a read permission, or with a regional permission
// but no regions, sees nothing.
//
// # Audit Log
//
// Role changes, workflow transitions and decisions on audited permissions are
// recorded with the actor, the target, the outcome and the request metadata
// (IP, user agent, request ID).
package welfarekit
