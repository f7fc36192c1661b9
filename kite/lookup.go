/*
 * Copyright (c) 2021, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package kite

import (
	"context"
	"net/netip"
	"time"

	"github.com/Psiphon-Labs/kite-tunnel-core/kite/common/errors"
	"github.com/miekg/dns"
)

const lookupTimeout = 10 * time.Second

// LookupFrontEnds resolves a front-end domain name to candidate connect
// addresses using the specified DNS server, "ip:port", bypassing the
// system resolver. Front-end pools rotate in DNS, so results are a
// point-in-time snapshot, never cached here.
func LookupFrontEnds(
	ctx context.Context, dnsServerAddr, domain string) ([]netip.Addr, error) {

	client := &dns.Client{Timeout: lookupTimeout}

	var addrs []netip.Addr
	for _, questionType := range []uint16{dns.TypeA, dns.TypeAAAA} {

		request := new(dns.Msg)
		request.SetQuestion(dns.Fqdn(domain), questionType)
		request.RecursionDesired = true

		response, _, err := client.ExchangeContext(ctx, request, dnsServerAddr)
		if err != nil {
			return nil, errors.Trace(err)
		}

		for _, answer := range response.Answer {
			var ip netip.Addr
			var ok bool
			switch record := answer.(type) {
			case *dns.A:
				ip, ok = netip.AddrFromSlice(record.A)
			case *dns.AAAA:
				ip, ok = netip.AddrFromSlice(record.AAAA)
			}
			if ok {
				addrs = append(addrs, ip.Unmap())
			}
		}
	}

	if len(addrs) == 0 {
		return nil, errors.TraceNew("no addresses resolved")
	}
	return addrs, nil
}
