package gateway

// Request classification: broadcast methods fan out to all allowed started
// backends and merge results; direct methods carry a namespaced name and
// route to the one owning server.

var broadcastMethods = map[string]bool{
	"initialize":       true,
	"tools/list":       true,
	"resources/list":   true,
	"prompts/list":     true,
	"ping":             true,
	"logging/setLevel": true,
}

var directMethods = map[string]bool{
	"tools/call":            true,
	"resources/read":        true,
	"prompts/get":           true,
	"resources/subscribe":   true,
	"resources/unsubscribe": true,
}

// IsBroadcast reports whether a method fans out across backends.
func IsBroadcast(method string) bool { return broadcastMethods[method] }

// IsDirect reports whether a method routes to exactly one backend.
func IsDirect(method string) bool { return directMethods[method] }

// Reverse-capability methods are semantically backend → gateway; they are
// intercepted before any forwarding.
var reverseMethods = map[string]bool{
	"sampling/createMessage":  true,
	"elicitation/requestInput": true,
	"elicitation/create":       true,
	"roots/list":               true,
}

// IsReverse reports whether a method belongs to the reverse direction.
func IsReverse(method string) bool { return reverseMethods[method] }
