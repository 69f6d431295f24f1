package usercontext

// Shared Locals/session keys used across controllers and middlewares
const (
	AuthKey          = "authenticated"
	KeyUserID        = "user_id"
	KeyUsername      = "username"
	KeyEmail         = "email"
	KeyIsAdmin       = "isAdmin"
	KeyFromProtected = "from_protected"

	// KeyUserContext holds the resolved UserContext in fiber Locals.
	KeyUserContext = "USER_CONTEXT"
)
