package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed deployment.schema.json
var deploymentSchemaJSON []byte

const deploymentSchemaURL = "https://helm.mindburn.org/timelock/deployment.schema.json"

var (
	deploymentSchemaOnce sync.Once
	deploymentSchema     *jsonschema.Schema
	deploymentSchemaErr  error
)

func compiledDeploymentSchema() (*jsonschema.Schema, error) {
	deploymentSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(deploymentSchemaURL, bytes.NewReader(deploymentSchemaJSON)); err != nil {
			deploymentSchemaErr = fmt.Errorf("deployment schema load failed: %w", err)
			return
		}
		deploymentSchema, deploymentSchemaErr = c.Compile(deploymentSchemaURL)
	})
	return deploymentSchema, deploymentSchemaErr
}

// validateDeploymentDocument checks raw YAML against the deployment schema
// before it is decoded into typed structs.
func validateDeploymentDocument(data []byte) error {
	schema, err := compiledDeploymentSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse deployment: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("deployment is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("deployment is not representable as JSON: %w", err)
	}

	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("deployment: schema validation failed: %w", err)
	}
	return nil
}

// CheckCompatible verifies that the binary version satisfies the
// deployment's requires constraint. An empty constraint accepts any version.
func (d *Deployment) CheckCompatible(version string) error {
	if d.Requires == "" {
		return nil
	}
	c, err := semver.NewConstraint(d.Requires)
	if err != nil {
		return fmt.Errorf("deployment: invalid requires constraint %q: %w", d.Requires, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("deployment: invalid version %s: %w", version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("deployment requires %s, running %s", d.Requires, v)
	}
	return nil
}
