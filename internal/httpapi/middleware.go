package httpapi

import "net/http"

// authenticate resolves the acting identity for every /api/v1 request and
// rejects the request outright when none can be established. Individual
// handlers perform their own role/ownership checks on top of this.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.resolver.Resolve(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}
