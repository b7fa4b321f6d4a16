// snmpagentd runs a single UDP listener binding and answers MIB-II system
// group GET requests; everything else it receives is logged.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soundarkarunagaran/sharpsnmplib"
	"github.com/soundarkarunagaran/sharpsnmplib/forward"
	"github.com/soundarkarunagaran/sharpsnmplib/mib"
	"github.com/soundarkarunagaran/sharpsnmplib/transport"
)

func main() {
	c := cobra.Command{
		Use:   "snmpagentd",
		Short: "SNMP agent daemon answering system group GET requests over UDP",
	}
	_ = c.Flags().StringP("listen", "l", "127.0.0.1:161", "UDP host:port to bind")
	_ = c.Flags().StringSlice("community", []string{"public"}, "accepted community strings")
	_ = c.Flags().String("v3-user", "", "SNMPv3 USM user name")
	_ = c.Flags().String("v3-auth-protocol", "", "SNMPv3 auth protocol (md5, sha, sha224..sha512)")
	_ = c.Flags().String("v3-auth-key", "", "SNMPv3 auth passphrase")
	_ = c.Flags().String("v3-priv-protocol", "", "SNMPv3 privacy protocol (des, aes, aes192, aes256)")
	_ = c.Flags().String("v3-priv-key", "", "SNMPv3 privacy passphrase")
	_ = c.Flags().Int("workers", runtime.NumCPU(), "number of response workers")
	_ = c.Flags().Int("queue-depth", 128, "received message queue depth")
	_ = c.Flags().String("sys-descr", "sharpsnmplib agent", "sysDescr value")
	_ = c.Flags().String("sys-object-id", "1.3.6.1.4.1.8072.3.2.10", "sysObjectID value")
	_ = c.Flags().String("sys-contact", "", "sysContact value")
	_ = c.Flags().String("sys-name", "", "sysName value")
	_ = c.Flags().String("sys-location", "", "sysLocation value")

	viper.SetConfigName("snmpagentd")
	viper.SetEnvPrefix("SNMPAGENT")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(c.Flags()); err != nil {
		panic(err)
	}

	c.RunE = func(cmd *cobra.Command, args []string) error {
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
		return run()
	}

	if err := c.Execute(); err != nil {
		log.Fatalf("%++v", err)
	}
}

func run() error {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	users := snmp.NewUserRegistry()
	for _, community := range viper.GetStringSlice("community") {
		users.AddCommunity(community)
	}
	if name := viper.GetString("v3-user"); name != "" {
		user, err := buildUser(name)
		if err != nil {
			return err
		}
		users.AddUser(user)
	}

	endpoint, err := net.ResolveUDPAddr("udp", viper.GetString("listen"))
	if err != nil {
		return errs.Wrap(err)
	}

	sysName := viper.GetString("sys-name")
	if sysName == "" {
		sysName, _ = os.Hostname()
	}
	system := mib.NewGroup(
		mib.SysDescr{Description: viper.GetString("sys-descr")},
		mib.SysObjectID{ID: viper.GetString("sys-object-id")},
		mib.SysUpTime{Start: time.Now()},
		mib.SysContact{Contact: viper.GetString("sys-contact")},
		mib.SysName{Name: sysName},
		mib.SysLocation{Location: viper.GetString("sys-location")},
	)

	binding := transport.NewListenerBinding(users, endpoint)
	defer func() { _ = binding.Close() }()

	queue := forward.NewQueue(
		viper.GetInt("queue-depth"),
		viper.GetInt("workers"),
		respond(system, users, logger),
		func(err error) {
			logger.Error("failed to process message", zap.Error(err))
		},
	)
	binding.OnMessage(queue.Enqueue)
	binding.OnError(func(err error) {
		logger.Warn("listener error", zap.Error(err))
	})

	if err := binding.Start(); err != nil {
		return err
	}
	logger.Info("listening", zap.Stringer("endpoint", binding.LocalAddr()))

	var group errgroup.Group
	group.Go(func() error {
		queue.Run(ctx)
		return nil
	})

	<-ctx.Done()
	logger.Info("shutting down")

	_ = binding.Close()
	return group.Wait()
}

func buildUser(name string) (snmp.User, error) {
	authProto, err := snmp.ParseAuthProtocol(viper.GetString("v3-auth-protocol"))
	if err != nil {
		return snmp.User{}, err
	}
	privProto, err := snmp.ParsePrivProtocol(viper.GetString("v3-priv-protocol"))
	if err != nil {
		return snmp.User{}, err
	}
	return snmp.User{
		Name:         name,
		AuthProtocol: authProto,
		AuthKey:      viper.GetString("v3-auth-key"),
		PrivProtocol: privProto,
		PrivKey:      viper.GetString("v3-priv-key"),
	}, nil
}

// respond answers v1/v2c system group GET requests and logs everything else.
func respond(system *mib.Group, users *snmp.UserRegistry, logger *zap.Logger) forward.Handler {
	return func(ctx context.Context, rcv *forward.Received) error {
		pdu := rcv.Message.PDU()

		if pdu.PDUType != gosnmp.GetRequest || pdu.Version == gosnmp.Version3 {
			logger.Info("message received",
				zap.Stringer("source", rcv.Source),
				zap.Stringer("type", pdu.PDUType),
				zap.Int("variables", len(pdu.Variables)))
			return nil
		}

		if !users.KnowsCommunity(pdu.Community) {
			logger.Warn("unknown community, dropping request",
				zap.Stringer("source", rcv.Source))
			return nil
		}

		variables := make([]gosnmp.SnmpPDU, 0, len(pdu.Variables))
		for _, v := range pdu.Variables {
			if scalar, ok := system.Find(v.Name); ok {
				variables = append(variables, scalar.Variable())
			} else {
				variables = append(variables, gosnmp.SnmpPDU{Name: v.Name, Type: gosnmp.NoSuchObject})
			}
		}

		response := &gosnmp.SnmpPacket{
			Version:   pdu.Version,
			Community: pdu.Community,
			PDUType:   gosnmp.GetResponse,
			RequestID: pdu.RequestID,
			Variables: variables,
		}
		return rcv.Binding.SendResponse(snmp.NewMessage(response), rcv.Source)
	}
}
