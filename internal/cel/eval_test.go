package cel

import (
	"testing"

	"github.com/gezibash/arc-modem/internal/port"
)

var wwan0 = port.Descriptor{
	Subsystem:  port.SubsystemNet,
	Name:       "wwan0",
	Driver:     "qmi_wwan",
	Properties: map[string]string{"DEVTYPE": "wwan"},
}

func TestStringEquality(t *testing.T) {
	f, err := Compile(`driver == "qmi_wwan"`)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Match(wwan0) {
		t.Error("expected match")
	}
	if f.Match(port.Descriptor{Subsystem: port.SubsystemTTY, Name: "ttyUSB0", Driver: "option"}) {
		t.Error("expected no match")
	}
}

func TestPropertyLookup(t *testing.T) {
	f, err := Compile(`subsystem == "net" && props["DEVTYPE"] == "wwan"`)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Match(wwan0) {
		t.Error("expected match")
	}
}

func TestMissingPropertyReturnsFalse(t *testing.T) {
	f, err := Compile(`props["ID_MM_PORT_TYPE_QCDM"] == "1"`)
	if err != nil {
		t.Fatal(err)
	}
	if f.Match(wwan0) {
		t.Error("expected false for missing key")
	}
	if f.Match(port.Descriptor{Name: "x"}) {
		t.Error("expected false for nil properties")
	}
}

func TestHasMacro(t *testing.T) {
	f, err := Compile(`!("ID_MM_DEVICE_IGNORE" in props)`)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Match(wwan0) {
		t.Error("expected match without ignore property")
	}
	ignored := wwan0.Clone()
	ignored.Properties["ID_MM_DEVICE_IGNORE"] = "1"
	if f.Match(ignored) {
		t.Error("expected no match with ignore property")
	}
}

func TestMatchAny(t *testing.T) {
	f, err := Compile(`name.startsWith("cdc-wdm")`)
	if err != nil {
		t.Fatal(err)
	}
	ports := []port.Descriptor{wwan0, {Subsystem: port.SubsystemUSB, Name: "cdc-wdm0"}}
	if !f.MatchAny(ports) {
		t.Error("expected a matching port")
	}
	if f.MatchAny(ports[:1]) {
		t.Error("expected no matching port")
	}
}

func TestCompileError(t *testing.T) {
	for _, expr := range []string{`invalid syntax !!!`, `name + "x"`, `unknown == 1`} {
		if _, err := Compile(expr); err == nil {
			t.Errorf("Compile(%q) expected error", expr)
		}
	}
}
