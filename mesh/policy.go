package mesh

// AcceptPolicy decides whether an incoming connection request is accepted without operator input.
type AcceptPolicy interface {
	AutoAccept(request ConnectionRequest, active bool) bool
}

// AcceptPolicyFunc adapts a function to AcceptPolicy.
type AcceptPolicyFunc func(request ConnectionRequest, active bool) bool

// AutoAccept calls f.
func (f AcceptPolicyFunc) AutoAccept(request ConnectionRequest, active bool) bool {
	return f(request, active)
}

// AutoAcceptWhileActive trusts every requester on first use while the mesh is armed and queues
// requests for the operator otherwise.
var AutoAcceptWhileActive AcceptPolicy = AcceptPolicyFunc(func(_ ConnectionRequest, active bool) bool {
	return active
})

// ManualAccept never auto-accepts.
var ManualAccept AcceptPolicy = AcceptPolicyFunc(func(ConnectionRequest, bool) bool {
	return false
})
