// Package tunnel forwards a local TCP listener to a database host reachable
// only through an SSH bastion.
package tunnel

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	AuthNone       = "none"
	AuthPassword   = "password"
	AuthPrivateKey = "privateKey"
)

// Auth selects how the SSH session authenticates. Method is one of the Auth*
// constants; only the matching credential field is read.
type Auth struct {
	Method         string `json:"method" mapstructure:"method"`
	Password       string `json:"password,omitempty" mapstructure:"password"`
	PrivateKeyPath string `json:"privateKeyPath,omitempty" mapstructure:"private_key_path"`
	Passphrase     string `json:"passphrase,omitempty" mapstructure:"passphrase"`
}

type Config struct {
	User string `json:"user" mapstructure:"user"`
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	Auth Auth   `json:"auth" mapstructure:"auth"`
}

// Tunnel is an open forwarder. All connections accepted on the local
// listener are piped to the remote target through the SSH client.
type Tunnel struct {
	client   *ssh.Client
	listener net.Listener

	closeOnce sync.Once
	closeErr  error
}

// Open dials the bastion and starts forwarding a loopback listener to
// remoteHost:remotePort. The listener port is OS-assigned.
func Open(cfg Config, remoteHost string, remotePort int, dialTimeout time.Duration) (*Tunnel, error) {
	methods, err := authMethods(cfg.Auth)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	client, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ssh host %s: %w", addr, err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open local listener: %w", err)
	}

	t := &Tunnel{client: client, listener: listener}
	go t.serve(net.JoinHostPort(remoteHost, fmt.Sprintf("%d", remotePort)))
	return t, nil
}

func authMethods(auth Auth) ([]ssh.AuthMethod, error) {
	switch auth.Method {
	case AuthNone, "":
		return nil, nil
	case AuthPassword:
		return []ssh.AuthMethod{ssh.Password(auth.Password)}, nil
	case AuthPrivateKey:
		keyData, err := os.ReadFile(auth.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if auth.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(auth.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyData)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("unknown ssh auth method %q", auth.Method)
}

func (t *Tunnel) serve(remoteAddr string) {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			// Listener closed, tunnel is shutting down.
			return
		}
		go t.forward(local, remoteAddr)
	}
}

func (t *Tunnel) forward(local net.Conn, remoteAddr string) {
	defer local.Close()

	remote, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}

// LocalEndpoint returns the host and port database clients should dial.
func (t *Tunnel) LocalEndpoint() (host string, port int) {
	addr := t.listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

// Close tears the tunnel down. Safe to call more than once.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		lerr := t.listener.Close()
		cerr := t.client.Close()
		if lerr != nil {
			t.closeErr = lerr
		} else {
			t.closeErr = cerr
		}
	})
	return t.closeErr
}
