// Command tcmu-runner attaches a single TCMU-backed SCSI device, selecting
// between a local file and a Ceph RBD image via the backend config string
// generalized from the teacher's single-file cmd/tcmufile demo.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/ceph/tcmu-runner"
	"github.com/ceph/tcmu-runner/backend/file"
	"github.com/ceph/tcmu-runner/backend/rbd"
	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetLevel(logrus.DebugLevel)
	if len(os.Args) != 2 {
		die("usage: tcmu-runner <subtype>/<path>[/opt=value,...]")
	}

	cfg, err := tcmu.ParseBackendConfig(os.Args[1])
	if err != nil {
		die("%v", err)
	}

	backend, volumeSize, err := buildBackend(cfg)
	if err != nil {
		die("couldn't build backend: %v", err)
	}

	handler := &tcmu.SCSIHandler{
		HBA:        30,
		LUN:        0,
		WWN:        tcmu.GenerateTestWWN(),
		VolumeName: cfg.Path,
		DataSizes: tcmu.DataSizes{
			VolumeSize: volumeSize,
			BlockSize:  4096,
		},
	}
	handler.DevReady = tcmu.MultiThreadedDevReady(tcmu.OpcodeDispatcher{}, 2)

	d, err := tcmu.OpenTCMUDevice("/dev/tcmu-runner", handler, tcmu.DeviceConfig{
		Backend: backend,
		Workers: 4,
	})
	if err != nil {
		die("couldn't attach tcmu device: %v", err)
	}
	defer d.Close()
	fmt.Printf("tcmu-runner attached %s backend at /dev/tcmu-runner/%s\n", cfg.Subtype, cfg.Path)

	if _, ok := backend.(tcmu.ExclusiveLockBackend); ok {
		if result := d.TryLock(); result != tcmu.LockSuccess {
			die("couldn't acquire exclusive lock: %v", result)
		}
	}

	mainClose := make(chan bool)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	go func() {
		for range signalChan {
			fmt.Println("\nReceived an interrupt, stopping services...")
			close(mainClose)
		}
	}()
	<-mainClose
}

func buildBackend(cfg tcmu.BackendConfig) (tcmu.BackendAdapter, int64, error) {
	switch cfg.Subtype {
	case "file":
		fi, err := os.Stat(cfg.Path)
		if err != nil {
			return nil, 0, err
		}
		return &file.Backend{Path: cfg.Path}, fi.Size(), nil
	case "rbd":
		size, err := rbdImageSize(cfg)
		if err != nil {
			return nil, 0, err
		}
		return &rbd.Backend{Config: rbd.Config{
			ClusterName: cfg.Opts["cluster"],
			UserName:    cfg.Opts["user"],
			ConfFile:    cfg.Opts["conf"],
			Pool:        cfg.Opts["pool"],
			Image:       cfg.Path,
		}}, size, nil
	default:
		return nil, 0, fmt.Errorf("unknown backend subtype %q", cfg.Subtype)
	}
}

// rbdImageSize parses the required "size" option (bytes) for an rbd backend;
// the image's real size is a property of the pool, but a config string has
// no general way to stat it ahead of device construction, so it's supplied
// explicitly by the operator the same way dev_size is configured elsewhere.
func rbdImageSize(cfg tcmu.BackendConfig) (int64, error) {
	raw, ok := cfg.Opts["size"]
	if !ok {
		return 0, fmt.Errorf("rbd backend requires a size=<bytes> option")
	}
	var size int64
	if _, err := fmt.Sscanf(raw, "%d", &size); err != nil {
		return 0, fmt.Errorf("invalid size option %q: %v", raw, err)
	}
	return size, nil
}

func die(why string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, why+"\n", args...)
	os.Exit(1)
}
