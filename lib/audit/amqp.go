//
// Copyright © Cachet Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package audit

import (
	"crypto/tls"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/x509tools"
)

const defaultExchange = "cachet.signatures"

func exchangeName(aconf *config.AmqpConfig) string {
	if aconf.ExchangeName != "" {
		return aconf.ExchangeName
	}
	return defaultExchange
}

// Publish the audit record to the configured AMQP exchange, waiting for the
// broker to confirm delivery
func (info *Info) Publish(aconf *config.AmqpConfig) error {
	blob, err := info.Marshal()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		Body:         blob,
	}
	conn, err := Connect(aconf)
	if err != nil {
		return err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchangeName(aconf), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	notify := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	if err := ch.Publish(exchangeName(aconf), "", false, false, msg); err != nil {
		return err
	}
	confirm := <-notify
	if !confirm.Ack {
		return errors.New("broker did not confirm the audit record")
	}
	log.Debug().
		Str("exchange", exchangeName(aconf)).
		Interface("sig_id", info.Attributes["sig.id"]).
		Msg("published audit record")
	return nil
}

// Connect to the configured AMQP broker
func Connect(aconf *config.AmqpConfig) (*amqp.Connection, error) {
	uri, err := amqp.ParseURI(aconf.URL)
	if err != nil {
		return nil, err
	}
	var tconf *tls.Config
	var auth []amqp.Authentication
	if uri.Scheme == "amqps" {
		tconf = &tls.Config{}
		if aconf.CaCert != "" {
			if err := x509tools.LoadCertPool(aconf.CaCert, tconf); err != nil {
				return nil, err
			}
		}
		if aconf.CertFile != "" {
			cert, err := certloader.LoadX509KeyPair(aconf.CertFile, aconf.KeyFile)
			if err != nil {
				return nil, err
			}
			tconf.Certificates = []tls.Certificate{cert.TLS()}
		}
		if len(tconf.Certificates) != 0 {
			auth = append(auth, externalAuth{})
		}
	}
	if uri.Password != "" {
		auth = append(auth, uri.PlainAuth())
	}
	qconf := amqp.Config{SASL: auth, TLSClientConfig: tconf}
	return amqp.DialConfig(aconf.URL, qconf)
}

type externalAuth struct{}

func (externalAuth) Mechanism() string { return "EXTERNAL" }
func (externalAuth) Response() string  { return "" }
