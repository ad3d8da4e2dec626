package artifact

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ShipperConfig describes the optional remote destination that finished
// artifacts are delivered to.
type ShipperConfig struct {
	Addr       string // host:port
	User       string
	Password   string
	PrivateKey string // PEM, takes precedence over Password
	RemoteDir  string
}

// Shipper copies terminal build artifacts to a remote host over SFTP.
// Delivery is best-effort: a failed ship is logged and does not change the
// build outcome.
type Shipper struct {
	cfg   ShipperConfig
	store *Store
	log   logrus.FieldLogger
}

func NewShipper(cfg ShipperConfig, store *Store, log logrus.FieldLogger) (*Shipper, error) {
	if cfg.Addr == "" || cfg.User == "" {
		return nil, fmt.Errorf("shipper requires addr and user")
	}
	if strings.TrimSpace(cfg.PrivateKey) == "" && cfg.Password == "" {
		return nil, fmt.Errorf("shipper requires a private key or password")
	}
	return &Shipper{cfg: cfg, store: store, log: log}, nil
}

// Ship uploads every artifact of the build to <remote_dir>/<build id>/.
func (s *Shipper) Ship(id string) error {
	names, err := s.store.ListArtifacts(id)
	if err != nil {
		return fmt.Errorf("list artifacts for %s: %w", id, err)
	}

	client, err := s.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	destDir := path.Join(s.cfg.RemoteDir, id)
	if err := sftpClient.MkdirAll(destDir); err != nil {
		return fmt.Errorf("create remote dir %s: %w", destDir, err)
	}

	for _, name := range names {
		if err := s.pushArtifact(sftpClient, id, name, path.Join(destDir, name)); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{"build_id": id, "artifact": name}).Info("shipped artifact")
	}
	return nil
}

func (s *Shipper) pushArtifact(client *sftp.Client, id, name, remotePath string) error {
	src, err := s.store.GetArtifact(id, name)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, src); err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	return nil
}

func (s *Shipper) dial() (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if key := strings.TrimSpace(s.cfg.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else {
		auth = append(auth, ssh.Password(s.cfg.Password))
	}

	config := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	client, err := ssh.Dial("tcp", s.cfg.Addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", s.cfg.Addr, err)
	}
	return client, nil
}
