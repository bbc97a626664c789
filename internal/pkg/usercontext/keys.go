package usercontext

// Locals keys shared by middlewares and controllers
const (
	KeyAuthContext = "AUTH_CONTEXT"
)
