package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ListenRotctld accepts hamlib rotctld clients (Gpredict and friends)
// on addr until the context is canceled.
func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Infof("rotctld listening on %s", addr)
	go func() {
		<-ctx.Done()
		s.log.Debug("shutdown, closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				continue
			}
			go s.handleRotctld(conn)
		}
	}()
	return nil
}

func (s *Server) handleRotctld(conn net.Conn) {
	defer conn.Close()
	s.log.Debugf("accepted rotctld connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by
		// the command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			args = parts[1:]
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after the command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		s.log.Debugf("%v command: %q args: %#v", conn.RemoteAddr(), cmd, args)
		rprt := -1
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprintf(conn, `Model name: Rot2Prog
Mfg name: SPID Elektronik
Rot type: Az-El
Min Azimuth: 0.00
Max Azimuth: 360.00
Min Elevation: 0.00
Max Elevation: 180.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: N
Can get Info: N
`)
			rprt = 0
		case "S", "stop":
			extended = true // always print RPRT
			s.mu.Lock()
			err := s.trk.Stop()
			s.mu.Unlock()
			if err == nil {
				rprt = 0
			}
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = -22
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = -22
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				rprt = -22
				break
			}
			// Hamlib clients may use [-180,180] azimuths.
			if az < 0 {
				az += 360
			}
			s.mu.Lock()
			ok := s.trk.Move(az, el)
			s.mu.Unlock()
			if ok {
				rprt = 0
			}
		case "p", "get_pos":
			alt, az := s.trk.AltAz()
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, alt)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, alt)
			}
			rprt = 0
		}
		if extended || rprt != 0 {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Debugf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}
