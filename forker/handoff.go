package forker

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// socketpair returns the caller's end as a connection and the child's end as a file to inherit.
func socketpair() (*net.UnixConn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "handoff")
	child := os.NewFile(uintptr(fds[1]), "handoff-child")
	conn, err := fileConn(parent)
	if err != nil {
		child.Close()
		return nil, nil, err
	}
	return conn, child, nil
}

// fileConn wraps f as a connection. f is closed; the connection holds its own descriptor.
func fileConn(f *os.File) (*net.UnixConn, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping %s: %w", f.Name(), err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("%s is not a unix socket", f.Name())
	}
	return uc, nil
}

// sendMsg writes one message, attaching files as SCM_RIGHTS.
func sendMsg(conn *net.UnixConn, msg handoffMsg, files ...*os.File) error {
	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	_, _, err := conn.WriteMsgUnix(encodeMsg(msg), oob, nil)
	return err
}

// recvMsg reads one message and any descriptors passed with it. Received
// descriptors are close-on-exec from the start.
func recvMsg(conn *net.UnixConn) (handoffMsg, []*os.File, error) {
	var msg handoffMsg
	buf := make([]byte, 512)
	oob := make([]byte, unix.CmsgSpace(4*4))

	rc, err := conn.SyscallConn()
	if err != nil {
		return msg, nil, err
	}
	var n, oobn int
	var recvErr error
	err = rc.Read(func(fd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, unix.MSG_CMSG_CLOEXEC)
		return recvErr != unix.EAGAIN
	})
	if err == nil {
		err = recvErr
	}
	if err != nil {
		return msg, nil, err
	}
	files, err := parseRights(oob[:oobn])
	if err != nil {
		return msg, nil, err
	}
	if n == 0 {
		closeFiles(files)
		return msg, nil, io.EOF
	}
	if err := json.Unmarshal(buf[:n], &msg); err != nil {
		closeFiles(files)
		return msg, nil, fmt.Errorf("decoding handoff message: %w", err)
	}
	return msg, files, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}
	var files []*os.File
	for i := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "handoff-fd"))
		}
	}
	return files, nil
}
