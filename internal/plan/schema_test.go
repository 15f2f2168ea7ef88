package plan_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func TestPlanSchema_ValidatesSample(t *testing.T) {
	s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "plan.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	var sample any
	_ = json.Unmarshal([]byte(`{
	  "base":   {"dir":"/worlds/base","version":"1.12.2","layout":"vanilla"},
	  "custom": {"dir":"/worlds/custom","version":"1.12.2","layout":"plugin"},
	  "target": {"dir":"/worlds/target","version":"1.20.1","layout":"vanilla"},
	  "dest_dir": "/worlds/out",
	  "dimensions": ["overworld","nether"],
	  "chunks": [{"x":0,"z":0},{"x":-12,"z":40}],
	  "server": {
	    "java_path":"java",
	    "jar_name":"server.jar",
	    "heap_mb":2048,
	    "ready_timeout":"3m",
	    "stop_grace":"30s",
	    "generation_timeout":"2m",
	    "poll_interval":"250ms"
	  },
	  "concurrency": 4,
	  "dry_run": false
	}`), &sample)
	if err := s.Validate(sample); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var missing any
	_ = json.Unmarshal([]byte(`{
	  "base": {"dir":"/worlds/base","version":"1.12.2"},
	  "custom": {"dir":"/worlds/custom","version":"1.12.2"},
	  "target": {"dir":"/worlds/target","version":"1.20.1"}
	}`), &missing)
	if err := s.Validate(missing); err == nil {
		t.Fatal("plan without dest_dir should not validate")
	}

	var badLayout any
	_ = json.Unmarshal([]byte(`{
	  "base":   {"dir":"/b","version":"1.12.2","layout":"forge"},
	  "custom": {"dir":"/c","version":"1.12.2"},
	  "target": {"dir":"/t","version":"1.20.1"},
	  "dest_dir": "/out"
	}`), &badLayout)
	if err := s.Validate(badLayout); err == nil {
		t.Fatal("unknown layout should not validate")
	}
}
