package bluetoothutil

import "testing"

func TestHubUUIDsAreDefinedAndDistinct(t *testing.T) {
	service := HubServiceUUID()
	rx := HubRxUUID()
	tx := HubTxUUID()

	if service == rx || service == tx {
		t.Fatalf("service UUID must be distinct from characteristic UUIDs")
	}
	if rx == tx {
		t.Fatalf("hub characteristic UUIDs must be distinct")
	}
}

func TestMustParseUUIDPanicsOnInvalidValue(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for invalid UUID")
		}
	}()
	_ = mustParseUUID("not-a-uuid")
}
