/*
   Copyright (c) 2020, btnmasher
   All rights reserved.

   Redistribution and use in source and binary forms, with or without modification, are permitted provided that
   the following conditions are met:

   1. Redistributions of source code must retain the above copyright notice, this list of conditions and the
      following disclaimer.

   2. Redistributions in binary form must reproduce the above copyright notice, this list of conditions and
      the following disclaimer in the documentation and/or other materials provided with the distribution.

   3. Neither the name of the copyright holder nor the names of its contributors may be used to endorse or
      promote products derived from this software without specific prior written permission.

   THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED
   WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A
   PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE FOR
   ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED
   TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION)
   HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
   NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
   POSSIBILITY OF SUCH DAMAGE.
*/

package ircd

import "fmt"

// noticeOpers delivers a server NOTICE to every locally-connected user with
// UModeNetOp set, the fan-out target SetUserMode/UnsetUserMode exist to
// maintain. Used for link and burst diagnostics (server connects/drops,
// SID collisions, desync warnings) that an operator needs to see live but
// that don't belong in the regular client protocol stream.
func noticeOpers(server *Server, text string) {
	msg := msgPool.New()
	msg.Sender = server.Hostname()
	msg.Command = CmdNotice
	msg.Text = text

	server.Users.ForEach(func(user *User) {
		if !user.IsLocal() || !user.ModeIsSet(UModeNetOp) {
			return
		}

		msg.Params = []string{user.Nick()}
		user.conn.Write(msg.RenderBuffer())
	})

	msgPool.Recycle(msg)
}

// noticeOpersf is the Sprintf-formatted form of noticeOpers.
func noticeOpersf(server *Server, format string, args ...any) {
	noticeOpers(server, fmt.Sprintf(format, args...))
}
