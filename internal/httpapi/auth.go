package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r3e-network/qcbroker/internal/errs"
	"github.com/r3e-network/qcbroker/internal/store"
)

// permission is one of the five grants named in spec.md §4.7.
type permission string

const (
	permRead    permission = "read"
	permWrite   permission = "write"
	permCompute permission = "compute"
	permQueue   permission = "queue"
	permAdmin   permission = "admin"
)

type ctxKey string

const ctxPermsKey ctxKey = "httpapi.permissions"

// publicPaths need no credential.
var publicPaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

// extractToken pulls the bearer token out of the Authorization header,
// matching the teacher's auth.go extractToken shape. A "Bearer " prefix is
// stripped; a header without it is taken whole as the token. There is no
// Basic support since spec.md's credential is a single opaque token per
// principal.
func extractToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return h
}

// withAuth resolves the request's credential to a permission set and
// stores it in the request context, or rejects with permission_denied.
// Two credential kinds are accepted: a manager bearer token minted by
// POST /managers/register (grants queue only), and a user token looked
// up in the UserStore (grants whatever permissions were assigned via
// `server user add`).
func (s *Service) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeError(w, errs.New(errs.KindPermissionDenied, "missing credential"))
			return
		}

		if name, ok := s.validateManagerToken(token); ok {
			ctx := context.WithValue(r.Context(), ctxPermsKey, map[permission]bool{permQueue: true})
			ctx = context.WithValue(ctx, managerNameKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if u, err := s.deps.DB.GetUser(r.Context(), token); err == nil {
			perms := make(map[permission]bool, len(u.Permissions))
			for _, p := range u.Permissions {
				perms[permission(p)] = true
			}
			ctx := context.WithValue(r.Context(), ctxPermsKey, perms)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		} else if err != store.ErrNotFound {
			writeError(w, errs.Wrap(errs.KindInternal, "looking up credential", err))
			return
		}

		writeError(w, errs.New(errs.KindPermissionDenied, "invalid credential"))
	})
}

type managerTokenKeyType struct{}

var managerNameKey = managerTokenKeyType{}

// validateManagerToken checks token against the HS256 key managerreg
// mints claim tokens with, returning the manager name on success.
func (s *Service) validateManagerToken(token string) (string, bool) {
	key := []byte(s.deps.Config.Auth.JWTSigningKey)
	if len(key) == 0 {
		return "", false
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New(errs.KindManagerUnknown, "unexpected signing method")
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}
	name, _ := claims["manager"].(string)
	if name == "" {
		return "", false
	}
	return name, true
}

func permsFromCtx(ctx context.Context) map[permission]bool {
	if p, ok := ctx.Value(ctxPermsKey).(map[permission]bool); ok {
		return p
	}
	return nil
}

// requirePermission returns permission_denied unless the caller's grants
// include p (spec.md §4.7: manager endpoints need queue, mutation needs
// write or admin, submission needs compute).
func requirePermission(w http.ResponseWriter, r *http.Request, p permission) bool {
	perms := permsFromCtx(r.Context())
	if perms[p] || perms[permAdmin] {
		return true
	}
	writeError(w, errs.New(errs.KindPermissionDenied, string(p)+" permission required"))
	return false
}

// managerNameFromCtx returns the authenticated manager's name, set by
// withAuth for manager-token requests.
func managerNameFromCtx(ctx context.Context) string {
	name, _ := ctx.Value(managerNameKey).(string)
	return name
}
