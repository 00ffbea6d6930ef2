package probe

import "testing"

func TestParseInfoMaster(t *testing.T) {
	body := []byte("# Server\r\nredis_version:7.2.4\r\n\r\n# Replication\r\nrole:master\r\n")
	info, err := ParseInfo(body)
	if err != nil {
		t.Fatal(err)
	}
	if info.Version != "7.2.4" {
		t.Fatalf("version = %q", info.Version)
	}
	if info.Role != RoleMaster {
		t.Fatalf("role = %v", info.Role)
	}
}

func TestParseInfoSentinel(t *testing.T) {
	body := []byte("redis_version:6.2.0\nredis_mode:sentinel\nrole:master\n")
	info, err := ParseInfo(body)
	if err != nil {
		t.Fatal(err)
	}
	// redis_mode:sentinel takes precedence over role:master.
	if info.Role != RoleSentinel {
		t.Fatalf("role = %v", info.Role)
	}
}

func TestParseInfoSkipsCommentsAndBlankLines(t *testing.T) {
	body := []byte("#comment\n\nredis_version:5.0.9\n")
	info, err := ParseInfo(body)
	if err != nil {
		t.Fatal(err)
	}
	if info.Version != "5.0.9" {
		t.Fatalf("version = %q", info.Version)
	}
}

func TestParseInfoSlave(t *testing.T) {
	info, err := ParseInfo([]byte("role:slave\n"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Role != RoleSlave {
		t.Fatalf("role = %v", info.Role)
	}
}
