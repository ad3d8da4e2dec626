package hwdef

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/aeroforge/firmware/backend/pkg/catalog"
)

var testFeatures = []catalog.Feature{
	{ID: "HAL_EXTERNAL_AHRS_ENABLED", Define: "HAL_EXTERNAL_AHRS_ENABLED"},
	{ID: "AP_BARO_MS56XX_ENABLED", Define: "AP_BARO_MS56XX_ENABLED"},
	{ID: "AP_RANGEFINDER_ENABLED", Define: "AP_RANGEFINDER_ENABLED", ConflictsWith: []string{"AP_RANGEFINDER_SIM_ENABLED"}},
	{ID: "AP_RANGEFINDER_SIM_ENABLED", Define: "AP_RANGEFINDER_SIM_ENABLED", ConflictsWith: []string{"AP_RANGEFINDER_ENABLED"}},
}

func TestMaterializeRendersCanonicalOutput(t *testing.T) {
	cfg, err := Materialize([]string{"HAL_EXTERNAL_AHRS_ENABLED"}, testFeatures)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	want := "undef AP_BARO_MS56XX_ENABLED\n" +
		"undef AP_RANGEFINDER_ENABLED\n" +
		"undef AP_RANGEFINDER_SIM_ENABLED\n" +
		"undef HAL_EXTERNAL_AHRS_ENABLED\n" +
		"define AP_BARO_MS56XX_ENABLED 0\n" +
		"define AP_RANGEFINDER_ENABLED 0\n" +
		"define AP_RANGEFINDER_SIM_ENABLED 0\n" +
		"define HAL_EXTERNAL_AHRS_ENABLED 1\n"
	if got := string(cfg.Render()); got != want {
		t.Fatalf("unexpected output:\n%s", got)
	}
}

func TestMaterializeDeterministic(t *testing.T) {
	// Same selection, different input ordering, twice each.
	a, err := Materialize([]string{"HAL_EXTERNAL_AHRS_ENABLED", "AP_BARO_MS56XX_ENABLED"}, testFeatures)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	shuffled := []catalog.Feature{testFeatures[3], testFeatures[1], testFeatures[0], testFeatures[2]}
	b, err := Materialize([]string{"AP_BARO_MS56XX_ENABLED", "HAL_EXTERNAL_AHRS_ENABLED"}, shuffled)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !bytes.Equal(a.Render(), b.Render()) {
		t.Fatalf("output not byte-identical:\n%s\nvs\n%s", a.Render(), b.Render())
	}
}

func TestMaterializeIncompatiblePair(t *testing.T) {
	_, err := Materialize([]string{"AP_RANGEFINDER_SIM_ENABLED", "AP_RANGEFINDER_ENABLED"}, testFeatures)
	var conflict *IncompatibleFeaturesError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected IncompatibleFeaturesError, got %v", err)
	}
	if conflict.A != "AP_RANGEFINDER_ENABLED" || conflict.B != "AP_RANGEFINDER_SIM_ENABLED" {
		t.Fatalf("pair not normalized: %s / %s", conflict.A, conflict.B)
	}
}

func TestMaterializeUnknownFeature(t *testing.T) {
	_, err := Materialize([]string{"NOT_A_FEATURE"}, testFeatures)
	var unknown *UnknownFeatureError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownFeatureError, got %v", err)
	}
}

func TestWriteTo(t *testing.T) {
	cfg, err := Materialize(nil, testFeatures)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	path, err := cfg.WriteTo(t.TempDir())
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(raw, cfg.Render()) {
		t.Fatal("file content differs from rendered config")
	}
}
