package wire_test

import (
	"net"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/privcount/core/pkg/wire"
)

var _ = Describe("ParseEvent", func() {
	It("splits the event type from its payload", func() {
		ev := wire.ParseEvent("STATUS 123.456 {}")
		Expect(ev.Type).To(Equal("STATUS"))
		Expect(ev.Payload).To(Equal("123.456 {}"))
	})

	It("leaves Payload empty for a bare event type", func() {
		ev := wire.ParseEvent("CHECKIN")
		Expect(ev.Type).To(Equal("CHECKIN"))
		Expect(ev.Payload).To(BeEmpty())
	})

	It("round-trips through String", func() {
		ev := wire.Event{Type: "START", Payload: `{"round":1}`}
		Expect(wire.ParseEvent(ev.String())).To(Equal(ev))
	})
})

var _ = Describe("Conn line length caps", func() {
	It("accepts lines within the pre-auth cap", func() {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		serverConn := wire.NewConn(server)
		go func() {
			_ = serverConn.WriteLine("HANDSHAKE1 0.5")
		}()

		clientConn := wire.NewConn(client)
		line, err := clientConn.ReadLine()
		Expect(err).NotTo(HaveOccurred())
		Expect(line).To(Equal("HANDSHAKE1 0.5"))
	})

	It("rejects a pre-auth line longer than PreAuthMaxLine", func() {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		oversized := make([]byte, wire.PreAuthMaxLine+10)
		for i := range oversized {
			oversized[i] = 'a'
		}
		go func() {
			_ = wire.NewConn(server).WriteLine(string(oversized))
		}()

		clientConn := wire.NewConn(client)
		_, err := clientConn.ReadLine()
		Expect(err).To(MatchError(wire.ErrLineTooLong))
	})

	It("accepts a long line once AllowLongLines has been called", func() {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		body := make([]byte, wire.PreAuthMaxLine+10)
		for i := range body {
			body[i] = 'b'
		}
		serverConn := wire.NewConn(server)
		serverConn.AllowLongLines()
		go func() {
			_ = serverConn.WriteLine("STOP " + string(body))
		}()

		clientConn := wire.NewConn(client)
		clientConn.AllowLongLines()
		line, err := clientConn.ReadLine()
		Expect(err).NotTo(HaveOccurred())
		Expect(line).To(HaveLen(5 + len(body)))
	})
})

var _ = Describe("Handshake", func() {
	It("succeeds when both sides run the protocol correctly", func() {
		clientPipe, serverPipe := net.Pipe()
		defer clientPipe.Close()
		defer serverPipe.Close()

		serverConn := wire.NewConn(serverPipe)
		clientConn := wire.NewConn(clientPipe)

		var wg sync.WaitGroup
		var serverErr, clientErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			serverErr = wire.ServerHandshake(serverConn)
		}()
		go func() {
			defer wg.Done()
			clientErr = wire.ClientHandshake(clientConn)
		}()
		wg.Wait()

		Expect(serverErr).NotTo(HaveOccurred())
		Expect(clientErr).NotTo(HaveOccurred())
	})

	It("fails the client when the server rejects an invalid password", func() {
		clientPipe, serverPipe := net.Pipe()
		defer clientPipe.Close()
		defer serverPipe.Close()

		serverConn := wire.NewConn(serverPipe)

		var wg sync.WaitGroup
		var serverErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			serverErr = wire.ServerHandshake(serverConn)
		}()

		clientConn := wire.NewConn(clientPipe)
		// consume HANDSHAKE1, then send a HANDSHAKE2 with a bogus password
		_, err := clientConn.ReadLine()
		Expect(err).NotTo(HaveOccurred())
		Expect(clientConn.WriteLine("HANDSHAKE2 0.1 999.999")).To(Succeed())

		reply, err := clientConn.ReadLine()
		Expect(err).NotTo(HaveOccurred())
		Expect(reply).To(Equal("HANDSHAKE3 FAIL"))

		wg.Wait()
		Expect(serverErr).To(HaveOccurred())
	})
})

var _ = Describe("Status/Start/Stop/Checkin message codecs", func() {
	It("round-trips a status payload", func() {
		line, err := wire.EncodeStatus(wire.Status{"name": "dc1", "rtt": 0.2})
		Expect(err).NotTo(HaveOccurred())

		ev := wire.ParseEvent(line)
		Expect(ev.Type).To(Equal("STATUS"))

		decoded, err := wire.DecodeStatus(ev.Payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded.Status["name"]).To(Equal("dc1"))
	})

	It("encodes a START success reply and decodes it back", func() {
		line, err := wire.EncodeStartResult(map[string]string{"cover": "ok"})
		Expect(err).NotTo(HaveOccurred())
		ev := wire.ParseEvent(line)
		Expect(ev.Type).To(Equal("START"))

		ok, result, err := wire.DecodeStartResult(ev.Payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(string(result)).To(ContainSubstring("ok"))
	})

	It("encodes a START failure reply with no payload", func() {
		line, err := wire.EncodeStartResult(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(line).To(Equal("START FAIL"))

		ev := wire.ParseEvent(line)
		ok, result, err := wire.DecodeStartResult(ev.Payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
		Expect(result).To(BeNil())
	})

	It("round-trips a checkin period", func() {
		line := wire.EncodeCheckin(60)
		ev := wire.ParseEvent(line)
		Expect(ev.Type).To(Equal("CHECKIN"))

		period, err := wire.DecodeCheckinPeriod(ev.Payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(period).To(Equal(60))
	})
})
