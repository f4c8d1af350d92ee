// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
	"k8s.io/klog"
)

// Console represents an SSH console instance.
type Console struct {
	// Banner is the login welcome banner
	Banner string
	// Help returns the `help` command output
	Help func(*term.Terminal) string
	// Handler is the terminal command handler
	Handler func(*term.Terminal, string) error
	// Output receives the terminal of each new session, it is used to
	// redirect the secure console
	Output func(*term.Terminal)
}

func (c *Console) session(t *term.Terminal) {
	fmt.Fprintf(t, "%s\n", c.Banner)

	if c.Help != nil {
		fmt.Fprintf(t, "%s\n", string(t.Escape.Cyan)+c.Help(t)+string(t.Escape.Reset))
	}

	for {
		cmd, err := t.ReadLine()

		if err == io.EOF {
			break
		}

		if err != nil {
			klog.Warningf("readline error, %v", err)
			continue
		}

		err = c.Handler(t, cmd)

		if err == io.EOF {
			break
		}

		if err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}
}

func ptyRequest(t *term.Terminal, payload []byte) bool {
	// p10, 6.2.  Requesting a Pseudo-Terminal, RFC4254
	if len(payload) < 4 {
		return false
	}

	n := int(binary.BigEndian.Uint32(payload))

	if len(payload) < 4+n+8 {
		return false
	}

	w := binary.BigEndian.Uint32(payload[4+n:])
	h := binary.BigEndian.Uint32(payload[4+n+4:])

	_ = t.SetSize(int(w), int(h))

	return true
}

func (c *Console) handleChannel(newChannel ssh.NewChannel) {
	if t := newChannel.ChannelType(); t != "session" {
		_ = newChannel.Reject(ssh.UnknownChannelType, fmt.Sprintf("unknown channel type: %s", t))
		return
	}

	conn, requests, err := newChannel.Accept()

	if err != nil {
		klog.Warningf("error accepting channel, %v", err)
		return
	}

	t := term.NewTerminal(conn, "")
	t.SetPrompt(string(t.Escape.Red) + "> " + string(t.Escape.Reset))

	if c.Output != nil {
		c.Output(t)
	}

	go func() {
		defer conn.Close()

		c.session(t)

		if c.Output != nil {
			c.Output(nil)
		}

		klog.Infof("closing ssh connection")
	}()

	go func() {
		for req := range requests {
			switch req.Type {
			case "shell":
				// do not accept payload commands
				_ = req.Reply(len(req.Payload) == 0, nil)
			case "pty-req":
				if !ptyRequest(t, req.Payload) {
					klog.Warningf("malformed pty-req request")
				}

				_ = req.Reply(true, nil)
			case "window-change":
				// p10, 6.7.  Window Dimension Change Message, RFC4254
				if len(req.Payload) < 8 {
					klog.Warningf("malformed window-change request")
					continue
				}

				w := binary.BigEndian.Uint32(req.Payload)
				h := binary.BigEndian.Uint32(req.Payload[4:])

				_ = t.SetSize(int(w), int(h))
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}()
}

func (c *Console) handleChannels(chans <-chan ssh.NewChannel) {
	for newChannel := range chans {
		go c.handleChannel(newChannel)
	}
}

// Serve accepts SSH connections on listener until it is closed.
func (c *Console) Serve(listener net.Listener) (err error) {
	srv := &ssh.ServerConfig{
		NoClientAuth: true,
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	if err != nil {
		return fmt.Errorf("private key generation error, %v", err)
	}

	signer, err := ssh.NewSignerFromKey(key)

	if err != nil {
		return fmt.Errorf("key conversion error, %v", err)
	}

	klog.Infof("starting ssh server on %s (%s)", listener.Addr(), ssh.FingerprintSHA256(signer.PublicKey()))

	srv.AddHostKey(signer)

	for {
		conn, err := listener.Accept()

		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			klog.Warningf("error accepting connection, %v", err)
			continue
		}

		sshConn, chans, reqs, err := ssh.NewServerConn(conn, srv)

		if err != nil {
			klog.Warningf("error accepting handshake, %v", err)
			continue
		}

		klog.Infof("new ssh connection from %s (%s)", sshConn.RemoteAddr(), sshConn.ClientVersion())

		go ssh.DiscardRequests(reqs)
		go c.handleChannels(chans)
	}
}
