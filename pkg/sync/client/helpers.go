package client

// helpers are defined on the board once per session. Each definition is sent
// as its own request so that no request overflows the board's input buffer.
//
// Listing lines have the form `<d|f> <size> <name>`. File contents move as
// hex. Errors are raised as OSErrors so that their errno reaches stderr.
var helpers = []string{
	`import os, binascii
_w = None`,

	`def _st(p):
 s = os.stat(p)
 print('d' if s[0] & 0x4000 else 'f', s[6])`,

	`def _ls(d):
 for n in sorted(os.listdir(d)):
  s = os.stat(d.rstrip('/') + '/' + n)
  print('d' if s[0] & 0x4000 else 'f', s[6], n)`,

	`def _rd(p, o, n):
 with open(p, 'rb') as f:
  f.seek(o)
  print(binascii.hexlify(f.read(n)).decode())`,

	`def _wo(p):
 global _w
 _w = open(p, 'wb')`,

	`def _wc(h):
 _w.write(binascii.unhexlify(h))`,

	`def _wx(t, d, n):
 global _w
 if _w is None:
  try:
   os.stat(t)
  except OSError:
   if os.stat(d)[6] == n:
    return
  raise OSError(5)
 _w.close()
 _w = None
 if os.stat(t)[6] != n:
  os.remove(t)
  raise OSError(5)
 try:
  os.rename(t, d)
 except OSError:
  _rm(d)
  os.rename(t, d)`,

	`def _wa():
 global _w
 if _w:
  _w.close()
 _w = None`,

	`def _rm(p):
 try:
  os.remove(p)
 except OSError as e:
  if e.args[0] != 2:
   raise`,

	`def _mk(p):
 c = ''
 for s in p.split('/'):
  if not s:
   continue
  c += '/' + s
  try:
   if not os.stat(c)[0] & 0x4000:
    raise OSError(17)
  except OSError as e:
   if e.args[0] != 2:
    raise
   os.mkdir(c)`,

	`def _rmd(p, r):
 for n in os.listdir(p):
  if not r:
   raise OSError(39)
  c = p.rstrip('/') + '/' + n
  if os.stat(c)[0] & 0x4000:
   _rmd(c, 1)
  else:
   os.remove(c)
 os.rmdir(p)`,

	`def _df(p):
 s = os.statvfs(p)
 print(s[0] * s[3])`,

	`def _ver():
 import sys
 print('.'.join(str(x) for x in sys.implementation.version[:3]))`,
}
