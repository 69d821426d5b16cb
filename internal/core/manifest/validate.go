package manifest

import (
	"bytes"
	"context"
	"os"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// Validate runs the manifest through the compose loader, catching documents
// the orchestration tool would reject before anything is launched.
// workDir resolves relative paths such as build contexts and env files.
func (m *Manifest) Validate(ctx context.Context, workDir, projectName string) error {
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		return err
	}

	var dict map[string]interface{}
	if err := yaml.Unmarshal(buf.Bytes(), &dict); err != nil {
		return NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	_, err := loader.LoadWithContext(ctx, types.ConfigDetails{
		WorkingDir: workDir,
		ConfigFiles: []types.ConfigFile{
			{
				Filename: "manifest.yml",
				Content:  buf.Bytes(),
				Config:   dict,
			},
		},
		Environment: types.NewMapping(os.Environ()),
	}, func(opts *loader.Options) {
		opts.SetProjectName(projectName, true)
		opts.SkipNormalization = true
		opts.SkipExtends = true
		opts.SkipInclude = true
	})
	if err != nil {
		return NewParseError("", err.Error(), ErrInvalidYAML)
	}

	return nil
}
