// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package prometheus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/api"
)

// queryRoundTripper is used to configure the Prometheus HTTP client.
type queryRoundTripper struct {
	headers           map[string]string
	basicAuthUser     string
	basicAuthPassword string

	rt http.RoundTripper
}

// newRoundTripper returns a queryRoundTripper configured from the connector
// configuration values.
func newRoundTripper(config map[string]any, tlsConfig *tls.Config) *queryRoundTripper {
	headers := make(map[string]string)
	if raw, ok := config[configKeyHeaders].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	base := api.DefaultRoundTripper.(*http.Transport).Clone()
	base.TLSClientConfig = tlsConfig

	return &queryRoundTripper{
		headers:           headers,
		basicAuthUser:     stringValue(config, configKeyBasicAuthUser),
		basicAuthPassword: stringValue(config, configKeyBasicAuthPassword),
		rt:                base,
	}
}

func (rt *queryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for header, value := range rt.headers {
		req.Header.Add(header, value)
	}

	setAuth := (rt.basicAuthUser != "" || rt.basicAuthPassword != "") && req.Header.Get("Authorization") == ""
	if setAuth {
		req.SetBasicAuth(rt.basicAuthUser, rt.basicAuthPassword)
	}

	return rt.rt.RoundTrip(req)
}

func generateTLSConfig(config map[string]any) (*tls.Config, error) {
	tlsConfig := tls.Config{}

	// Load the CA certificate if present.
	caCertPath := stringValue(config, configKeyCACert)
	if caCertPath != "" {
		caCert, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate %s: %v", caCertPath, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to decode PEM file %s", caCertPath)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if skipVerify, ok := config[configKeySkipVerify].(bool); ok {
		tlsConfig.InsecureSkipVerify = skipVerify
	}

	return &tlsConfig, nil
}
