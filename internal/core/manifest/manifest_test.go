package manifest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const stackManifest = `
version: "3.8"
services:
  db:
    image: postgres:15
    restart: always
    healthcheck:
      test: ["CMD", "pg_isready"]
      interval: 5s
      retries: 3
    environment:
      POSTGRES_PASSWORD: secret
      POSTGRES_INITDB: yes
    volumes:
      - pgdata:/var/lib/postgresql/data
  api:
    build: ./api
    depends_on:
      - db
    environment:
      - DB_HOST=db
      - DB_PORT=5432
      - FEATURE_FLAG
    ports:
      - "8080:80"
  cache:
    image: redis:7
    read_only: true
volumes:
  pgdata:
`

func mustParse(t *testing.T, src string) *Manifest {
	t.Helper()
	m, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	return m
}

func save(t *testing.T, m *Manifest) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))
	return buf.String()
}

func serviceNames(m *Manifest) []string {
	var names []string
	for _, s := range m.Services() {
		names = append(names, s.Name())
	}
	return names
}

// decoded is a loose view of a saved manifest.
type decoded struct {
	Version  string                            `yaml:"version"`
	Services map[string]map[string]interface{} `yaml:"services"`
	Volumes  map[string]interface{}            `yaml:"volumes"`
}

func decode(t *testing.T, src string) decoded {
	t.Helper()
	var d decoded
	require.NoError(t, yaml.Unmarshal([]byte(src), &d))
	return d
}

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_Services(t *testing.T) {
	m := mustParse(t, stackManifest)

	assert.Equal(t, []string{"db", "api", "cache"}, serviceNames(m))

	db, ok := m.Service("db")
	require.True(t, ok)
	assert.Equal(t, "postgres:15", db.Image())
	assert.True(t, db.IsImageBased())

	api, ok := m.Service("api")
	require.True(t, ok)
	assert.Equal(t, "", api.Image())
	assert.False(t, api.IsImageBased())

	_, ok = m.Service("missing")
	assert.False(t, ok)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"empty document", "", ErrNoServices},
		{"invalid yaml", "services: [unclosed", ErrInvalidYAML},
		{"root is a list", "- a\n- b\n", ErrNoServices},
		{"missing services", "volumes:\n  data:\n", ErrNoServices},
		{"services is a list", "services:\n  - web\n", ErrNoServices},
		{"services is null", "services:\n", ErrNoServices},
		{"service is a scalar", "services:\n  web: nginx\n", ErrNoServices},
		{"two documents", "services:\n  a:\n    image: x\n---\nservices:\n  b:\n    image: y\n", ErrMultipleDocuments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
			assert.True(t, errors.Is(err, ErrFormat))

			var parseErr *ParseError
			assert.True(t, errors.As(err, &parseErr))
		})
	}
}

// =============================================================================
// Save Tests
// =============================================================================

func TestSave_RoundTripPreservesContent(t *testing.T) {
	m := mustParse(t, stackManifest)
	out := save(t, m)

	again := mustParse(t, out)
	assert.Equal(t, serviceNames(m), serviceNames(again))

	d := decode(t, out)
	assert.Equal(t, "3.8", d.Version)
	assert.Contains(t, d.Volumes, "pgdata")
	assert.Equal(t, "always", d.Services["db"]["restart"])
	assert.Equal(t, "./api", d.Services["api"]["build"])
	assert.Equal(t, []interface{}{"db"}, d.Services["api"]["depends_on"])
	assert.Equal(t, []interface{}{"CMD", "pg_isready"}, d.Services["db"]["healthcheck"].(map[string]interface{})["test"])
	assert.Equal(t, 3, d.Services["db"]["healthcheck"].(map[string]interface{})["retries"])
}

func TestSave_QuotesAmbiguousScalars(t *testing.T) {
	m := mustParse(t, stackManifest)
	out := save(t, m)

	assert.Contains(t, out, `POSTGRES_INITDB: "yes"`)
	assert.Contains(t, out, `read_only: "true"`)
	assert.Contains(t, out, `restart: "always"`)
	assert.Contains(t, out, `retries: 3`)

	// Keys stay plain.
	assert.Contains(t, out, "services:")
	assert.NotContains(t, out, `"services"`)

	d := decode(t, out)
	assert.Equal(t, "true", d.Services["cache"]["read_only"])
}

func TestSave_KeepsNullsAndNumbers(t *testing.T) {
	m := mustParse(t, `
services:
  web:
    image: nginx
    stop_grace_period: ~
    cpus: 0.5
    mem_swappiness: 10
`)
	out := save(t, m)

	assert.Contains(t, out, "stop_grace_period: ~")
	assert.Contains(t, out, "cpus: 0.5")
	assert.Contains(t, out, "mem_swappiness: 10")
	assert.Contains(t, out, `image: "nginx"`)
}

// =============================================================================
// RemoveServices Tests
// =============================================================================

func TestRemoveServices(t *testing.T) {
	m := mustParse(t, stackManifest)

	m.RemoveServices("api", "does-not-exist")

	assert.Equal(t, []string{"db", "cache"}, serviceNames(m))
	_, ok := m.Service("api")
	assert.False(t, ok)

	d := decode(t, save(t, m))
	assert.NotContains(t, d.Services, "api")
	assert.Contains(t, d.Services, "db")
	assert.Contains(t, d.Services, "cache")
}

func TestRemoveServices_NonImageBased(t *testing.T) {
	m := mustParse(t, `
services:
  web:
    image: nginx
  worker:
    build: .
`)

	var drop []string
	for _, s := range m.Services() {
		if !s.IsImageBased() {
			drop = append(drop, s.Name())
		}
	}
	m.RemoveServices(drop...)

	assert.Equal(t, []string{"web"}, serviceNames(m))
	d := decode(t, save(t, m))
	assert.Len(t, d.Services, 1)
	assert.Contains(t, d.Services, "web")
}

// =============================================================================
// Port Tests
// =============================================================================

func TestDockerPort_String(t *testing.T) {
	assert.Equal(t, "50561:1433", DockerPort{ExposedPort: 1433, PublicPort: 50561}.String())
	assert.Equal(t, "50562:53/udp", DockerPort{ExposedPort: 53, PublicPort: 50562, Protocol: "udp"}.String())
	assert.True(t, DockerPort{Protocol: ""}.IsTCP())
	assert.True(t, DockerPort{Protocol: "tcp"}.IsTCP())
	assert.False(t, DockerPort{Protocol: "udp"}.IsTCP())
}

func TestSetPortMapping(t *testing.T) {
	m := mustParse(t, stackManifest)
	db, _ := m.Service("db")

	mappings := []DockerPort{
		{ExposedPort: 5432, PublicPort: 50561},
		{ExposedPort: 5433, PublicPort: 50562, Protocol: "udp"},
	}
	db.SetPortMapping(mappings)
	assert.Equal(t, mappings, db.PortMappings())

	d := decode(t, save(t, m))
	assert.Equal(t, []interface{}{"50561:5432", "50562:5433/udp"}, d.Services["db"]["ports"])
}

func TestSetPortMapping_ReplacesInPlace(t *testing.T) {
	m := mustParse(t, `
services:
  api:
    image: api
    ports:
      - "8080:80"
    restart: always
`)
	api, _ := m.Service("api")
	api.SetPortMapping([]DockerPort{{ExposedPort: 80, PublicPort: 50600}})

	out := save(t, m)
	assert.NotContains(t, out, "8080")
	assert.Less(t, strings.Index(out, "50600:80"), strings.Index(out, "restart"))
}

func TestDeclaredPorts(t *testing.T) {
	m := mustParse(t, `
services:
  api:
    image: api
    ports:
      - "8080:80"
      - "53:53/udp"
      - "9000"
      - "127.0.0.1:6000:6001"
      - "${PORT}:80"
      - target: 443
        published: 8443
        protocol: tcp
`)
	api, _ := m.Service("api")

	assert.Equal(t, []DockerPort{
		{ExposedPort: 80, PublicPort: 8080},
		{ExposedPort: 53, PublicPort: 53, Protocol: "udp"},
		{ExposedPort: 9000},
		{ExposedPort: 6001, PublicPort: 6000},
		{ExposedPort: 443, PublicPort: 8443, Protocol: "tcp"},
	}, api.DeclaredPorts())

	cache := mustParse(t, "services:\n  cache:\n    image: redis\n")
	svc, _ := cache.Service("cache")
	assert.Empty(t, svc.DeclaredPorts())
}

// =============================================================================
// Environment Tests
// =============================================================================

func TestEnvironment_MappingForm(t *testing.T) {
	m := mustParse(t, stackManifest)
	db, _ := m.Service("db")

	env, err := db.Environment()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"POSTGRES_PASSWORD": "secret",
		"POSTGRES_INITDB":   "yes",
	}, env)
}

func TestEnvironment_ListForm(t *testing.T) {
	m := mustParse(t, stackManifest)
	api, _ := m.Service("api")

	env, err := api.Environment()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"DB_HOST":      "db",
		"DB_PORT":      "5432",
		"FEATURE_FLAG": "",
	}, env)
}

func TestEnvironment_Absent(t *testing.T) {
	m := mustParse(t, stackManifest)
	cache, _ := m.Service("cache")

	env, err := cache.Environment()
	require.NoError(t, err)
	assert.Empty(t, env)
}

func TestEnvironment_NullValues(t *testing.T) {
	m := mustParse(t, `
services:
  a:
    image: a
    environment:
  b:
    image: b
    environment:
      EMPTY:
`)
	a, _ := m.Service("a")
	env, err := a.Environment()
	require.NoError(t, err)
	assert.Empty(t, env)

	b, _ := m.Service("b")
	env, err = b.Environment()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"EMPTY": ""}, env)
}

func TestEnvironment_InvalidShape(t *testing.T) {
	tests := []struct {
		name string
		env  string
	}{
		{"scalar", "environment: FOO=bar"},
		{"nested mapping", "environment:\n      FOO:\n        nested: true"},
		{"list of mappings", "environment:\n      - FOO: bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mustParse(t, "services:\n  web:\n    image: nginx\n    "+tt.env+"\n")
			web, _ := m.Service("web")

			_, err := web.Environment()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFormat))
			assert.True(t, errors.Is(err, ErrInvalidEnvironment))
		})
	}
}

func TestSetEnvironment_RoundTrip(t *testing.T) {
	env := map[string]string{
		"DB_HOST":  "localhost",
		"DB_PORT":  "50561",
		"ENABLED":  "true",
		"RATIO":    "0.25",
		"GREETING": "hello world",
	}

	m := mustParse(t, stackManifest)
	api, _ := m.Service("api")
	api.SetEnvironment(env)

	got, err := api.Environment()
	require.NoError(t, err)
	assert.Equal(t, env, got)

	reloaded := mustParse(t, save(t, m))
	api, _ = reloaded.Service("api")
	got, err = api.Environment()
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestSetEnvironment_SortedAndInPlace(t *testing.T) {
	m := mustParse(t, `
services:
  web:
    image: nginx
    environment:
      - Z=1
    restart: always
`)
	web, _ := m.Service("web")
	web.SetEnvironment(map[string]string{"B": "2", "A": "1"})

	out := save(t, m)
	a, b, restart := strings.Index(out, "A: 1"), strings.Index(out, "B: 2"), strings.Index(out, "restart")
	require.True(t, a >= 0 && b >= 0, out)
	assert.Less(t, a, b)
	assert.Less(t, b, restart)
}

func TestSetEnvironment_KeepsHostPassThrough(t *testing.T) {
	tests := []struct {
		name string
		env  string
	}{
		{"mapping", "environment:\n      HOST_VAR:\n      EMPTY: \"\"\n      SET: x"},
		{"list", "environment:\n      - HOST_VAR\n      - EMPTY=\n      - SET=x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mustParse(t, "services:\n  web:\n    image: nginx\n    "+tt.env+"\n")
			web, _ := m.Service("web")

			env, err := web.Environment()
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"HOST_VAR": "", "EMPTY": "", "SET": "x"}, env)

			env["ADDED"] = ""
			web.SetEnvironment(env)

			out := save(t, m)
			assert.Contains(t, out, "HOST_VAR: null")
			assert.Contains(t, out, `EMPTY: ""`)
			assert.Contains(t, out, `ADDED: ""`)
			assert.Contains(t, out, `SET: "x"`)

			d := decode(t, out)
			vars := d.Services["web"]["environment"].(map[string]interface{})
			assert.Nil(t, vars["HOST_VAR"])
			assert.Equal(t, "", vars["EMPTY"])
		})
	}
}

func TestSetEnvironment_OverriddenPassThroughGetsValue(t *testing.T) {
	m := mustParse(t, "services:\n  web:\n    image: nginx\n    environment:\n      HOST_VAR:\n")
	web, _ := m.Service("web")
	web.SetEnvironment(map[string]string{"HOST_VAR": "set"})

	assert.Contains(t, save(t, m), `HOST_VAR: "set"`)
}

func TestSetEnvironment_EmptyRemovesBlock(t *testing.T) {
	m := mustParse(t, stackManifest)
	db, _ := m.Service("db")
	db.SetEnvironment(map[string]string{})

	env, err := db.Environment()
	require.NoError(t, err)
	assert.Empty(t, env)

	d := decode(t, save(t, m))
	assert.NotContains(t, d.Services["db"], "environment")

	// Removing an absent block is a no-op.
	cache, _ := m.Service("cache")
	cache.SetEnvironment(nil)
	assert.NotContains(t, decode(t, save(t, m)).Services["cache"], "environment")
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestValidate(t *testing.T) {
	m := mustParse(t, stackManifest)
	m.RemoveServices("api", "cache")
	db, _ := m.Service("db")
	db.SetPortMapping([]DockerPort{{ExposedPort: 5432, PublicPort: 50561}})

	assert.NoError(t, m.Validate(context.Background(), t.TempDir(), "validate"))
}

func TestValidate_RejectsUnknownServiceKeys(t *testing.T) {
	m := mustParse(t, `
services:
  web:
    image: nginx
    not_a_compose_key: true
`)

	err := m.Validate(context.Background(), t.TempDir(), "validate")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))
}
