package auth

import "context"

type actorContextKey struct{}
type sessionContextKey struct{}

// ContextWithActor records who is acting on behalf of the request.
func ContextWithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, a)
}

// ActorFromContext returns the actor attached by ContextWithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	a, ok := ctx.Value(actorContextKey{}).(Actor)
	return a, ok
}

// Authenticated is what a validated bearer token resolves to.
type Authenticated struct {
	User    *User
	Session *Session
	Token   string
}

func ContextWithAuthenticated(ctx context.Context, a Authenticated) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, &a)
}

func AuthenticatedFromContext(ctx context.Context) (Authenticated, bool) {
	if ctx == nil {
		return Authenticated{}, false
	}
	v, ok := ctx.Value(sessionContextKey{}).(*Authenticated)
	if !ok || v == nil {
		return Authenticated{}, false
	}
	return *v, true
}
