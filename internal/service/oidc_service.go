package service

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/gin-gonic/gin"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/oidc"
	ctrl "sigs.k8s.io/controller-runtime"
)

// OIDCService serves the discovery document and JWKS of the internal
// issuer. Only the in-process JWT authenticator fetches them, so the
// listener stays on loopback.
type OIDCService struct {
	Signer *oidc.Signer
	Cert   *tls.Certificate
}

func (s *OIDCService) Start(ctx context.Context) error {
	router := gin.Default()

	s.Signer.Register(router)

	listener, err := net.Listen("tcp", "127.0.0.1:8085")
	if err != nil {
		return err
	}

	return router.RunListener(tls.NewListener(listener, &tls.Config{
		Certificates: []tls.Certificate{*s.Cert},
	}))
}

// SetupWithManager sets up the service with the Manager.
func (s *OIDCService) SetupWithManager(mgr ctrl.Manager) error {
	return mgr.Add(s)
}
