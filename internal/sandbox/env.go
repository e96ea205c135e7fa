package sandbox

import "github.com/codeYAY/SPACE/pkg/models"

// EnvInput is everything a sandbox environment is derived from.
type EnvInput struct {
	Source    *models.HiveSource
	DataSpace *models.DataSpaceSummary
	Token     string

	// DefaultToken is used when Token is empty.
	DefaultToken string
	PublicAPIURL string
}

type envBinding struct {
	name  string
	value func(in EnvInput) string
}

func source(f func(s *models.HiveSource) string) func(EnvInput) string {
	return func(in EnvInput) string {
		if in.Source == nil {
			return ""
		}
		return f(in.Source)
	}
}

func meta(key string) func(EnvInput) string {
	return func(in EnvInput) string { return in.Source.MetaString(key) }
}

var envTable = []envBinding{
	{"MHIVE_DATA_SOURCE_ID", source(func(s *models.HiveSource) string { return s.ID })},
	{"MHIVE_DATA_SOURCE_NAME", source(func(s *models.HiveSource) string { return s.Name })},
	{"MHIVE_DATA_SOURCE_TYPE", source(func(s *models.HiveSource) string { return string(s.Type) })},
	{"MHIVE_DATA_SOURCE_PATH", source(func(s *models.HiveSource) string { return s.Path })},
	{"MHIVE_DATA_SPACE_ID", meta("spaceId")},
	{"MHIVE_DATA_SPACE_VIRTUAL_ID", meta("virtualEndpointId")},
	{"MHIVE_DATA_SPACE_BASE_PATH", meta("spacePath")},
	{"MHIVE_DATA_SPACE_ENDPOINT", func(in EnvInput) string {
		if in.DataSpace == nil {
			return ""
		}
		return in.DataSpace.EndpointURL
	}},
	{"MHIVE_API_TOKEN", func(in EnvInput) string {
		if in.Token != "" {
			return in.Token
		}
		return in.DefaultToken
	}},
	{"NEXT_PUBLIC_MHIVE_API_URL", func(in EnvInput) string { return in.PublicAPIURL }},
}

// BuildEnv maps the run's external source reference to sandbox environment
// variables. Empty values are omitted.
func BuildEnv(in EnvInput) map[string]string {
	env := make(map[string]string, len(envTable))
	for _, b := range envTable {
		if v := b.value(in); v != "" {
			env[b.name] = v
		}
	}
	return env
}
